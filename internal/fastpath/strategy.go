// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package fastpath

// DetectionStrategy recognises container traffic before any header is parsed.
// Which strategy applies depends on what the host integration can observe:
// interface aliases (global hooks) or namespace identity (per-namespace hooks).
type DetectionStrategy interface {
	Name() string
	// Shortcut reports whether the packet is container traffic. hasPacket is
	// false when the host passed no packet data.
	Shortcut(ctx *Context, hasPacket bool) (Reason, bool)
}

// ContainerInterfaceFunc reports whether a device faces a container.
type ContainerInterfaceFunc func(iface *Interface) bool

// AliasCharAt returns a predicate matching devices whose alias has char at
// position index. AliasCharAt(13, 'c') is the overlay agent's tagging
// convention for container-side veth peers.
func AliasCharAt(index int, char byte) ContainerInterfaceFunc {
	return func(iface *Interface) bool {
		if iface == nil || index < 0 || index >= len(iface.Alias) {
			return false
		}
		return iface.Alias[index] == char
	}
}

// DefaultContainerInterface is AliasCharAt(13, 'c').
var DefaultContainerInterface = AliasCharAt(13, 'c')

// InterfaceAliasStrategy bypasses packets entering or leaving a container-facing device.
type InterfaceAliasStrategy struct {
	IsContainer ContainerInterfaceFunc
}

// NewInterfaceAliasStrategy uses DefaultContainerInterface when fn is nil.
func NewInterfaceAliasStrategy(fn ContainerInterfaceFunc) *InterfaceAliasStrategy {
	if fn == nil {
		fn = DefaultContainerInterface
	}
	return &InterfaceAliasStrategy{IsContainer: fn}
}

func (s *InterfaceAliasStrategy) Name() string { return "interface-alias" }

// Shortcut checks both devices and ignores whether packet data is present.
func (s *InterfaceAliasStrategy) Shortcut(ctx *Context, _ bool) (Reason, bool) {
	if ctx == nil {
		return ReasonNoMatch, false
	}
	if ctx.In != nil && s.IsContainer(ctx.In) {
		return ReasonContainerInterface, true
	}
	if ctx.Out != nil && s.IsContainer(ctx.Out) {
		return ReasonContainerInterface, true
	}
	return ReasonNoMatch, false
}

// NamespaceStrategy bypasses every packet that is not in the root namespace.
type NamespaceStrategy struct {
	Root NamespaceID
}

// NewNamespaceStrategy returns a strategy anchored at root.
func NewNamespaceStrategy(root NamespaceID) *NamespaceStrategy {
	return &NamespaceStrategy{Root: root}
}

func (s *NamespaceStrategy) Name() string { return "namespace" }

// Shortcut never fires without packet data.
func (s *NamespaceStrategy) Shortcut(ctx *Context, hasPacket bool) (Reason, bool) {
	if !hasPacket || ctx == nil {
		return ReasonNoMatch, false
	}
	if ctx.Namespace != s.Root {
		return ReasonTenantNamespace, true
	}
	return ReasonNoMatch, false
}

// NoStrategy never recognises container traffic; only tunnel rules apply.
type NoStrategy struct{}

func (NoStrategy) Name() string { return "none" }

func (NoStrategy) Shortcut(*Context, bool) (Reason, bool) { return ReasonNoMatch, false }
