// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

//go:build !linux

package netns

import (
	"grimm.is/fastpath/internal/errors"
	"grimm.is/fastpath/internal/fastpath"
)

// StatResolver is unavailable off Linux.
func StatResolver(path string) (fastpath.NamespaceID, error) {
	return fastpath.NamespaceID{}, errors.Attr(errors.New(errors.KindUnavailable, "network namespaces require linux"), "path", path)
}
