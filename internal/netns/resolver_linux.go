// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

//go:build linux

package netns

import (
	"golang.org/x/sys/unix"

	"grimm.is/fastpath/internal/errors"
	"grimm.is/fastpath/internal/fastpath"
)

// nsfsMagic is NSFS_MAGIC from linux/magic.h.
const nsfsMagic = 0x6e736673

// StatResolver identifies the namespace bound at path by the device and
// inode of its nsfs entry. A plain file that has not been bind-mounted yet
// is reported as KindUnavailable so the caller can retry.
func StatResolver(path string) (fastpath.NamespaceID, error) {
	var fs unix.Statfs_t
	if err := unix.Statfs(path, &fs); err != nil {
		return fastpath.NamespaceID{}, errors.Attr(errors.Wrap(err, errors.KindNotFound, "statfs namespace"), "path", path)
	}
	if int64(fs.Type) != nsfsMagic {
		return fastpath.NamespaceID{}, errors.Attr(errors.New(errors.KindUnavailable, "not an nsfs mount"), "path", path)
	}

	var st unix.Stat_t
	if err := unix.Stat(path, &st); err != nil {
		return fastpath.NamespaceID{}, errors.Attr(errors.Wrap(err, errors.KindNotFound, "stat namespace"), "path", path)
	}
	return fastpath.NamespaceID{Dev: uint64(st.Dev), Ino: uint64(st.Ino)}, nil
}
