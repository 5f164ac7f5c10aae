package dialer

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"

	"go.uber.org/zap"
)

// DialerHolder is a transport whose dial function can be read and
// replaced. Installing on this shape sets the dial function to the
// resolver-backed one, but only when none is set already.
type DialerHolder interface {
	DialContext() DialContextFunc
	SetDialContext(fn DialContextFunc)
}

// ConnCreator is a transport that builds its connections itself,
// through a proxy or similar. Installing on this shape wraps the
// creator so the target address is resolved locally before the
// creator runs; the creator keeps doing its own dialing.
type ConnCreator interface {
	CreateConn() DialContextFunc
	SetCreateConn(fn DialContextFunc)
}

// InstallError reports a transport the installer does not know how to
// instrument.
type InstallError struct {
	Target any
}

func (e *InstallError) Error() string {
	return fmt.Sprintf("cannot instrument transport of type %T", e.Target)
}

// Installer injects resolver-backed dialing into transports. It
// tracks instrumented transports by identity in its own map, so
// installing twice never double-wraps and nothing is ever attached to
// the transport object itself.
type Installer struct {
	dialer *Dialer
	logger *zap.Logger

	mu        sync.Mutex
	installed map[any]DialContextFunc
}

// NewInstaller creates an Installer injecting d's dialing.
func NewInstaller(d *Dialer) *Installer {
	return &Installer{
		dialer:    d,
		logger:    d.logger,
		installed: make(map[any]DialContextFunc),
	}
}

// Install instruments target. A DialerHolder that already carries a
// dial function keeps it untouched; ForceInstall replaces one.
// Installing an already-instrumented target is a no-op. Targets
// satisfying neither capability get an InstallError.
func (in *Installer) Install(target any) error {
	return in.install(target, false)
}

// ForceInstall is Install, except an existing dial function on a
// DialerHolder is saved and replaced. Uninstall restores it.
func (in *Installer) ForceInstall(target any) error {
	return in.install(target, true)
}

func (in *Installer) install(target any, force bool) error {
	holder, isHolder := target.(DialerHolder)
	creator, isCreator := target.(ConnCreator)
	if !isHolder && !isCreator {
		return &InstallError{Target: target}
	}

	in.mu.Lock()
	defer in.mu.Unlock()
	if _, ok := in.installed[target]; ok {
		return nil
	}

	if isHolder {
		prev := holder.DialContext()
		if prev != nil && !force {
			return nil
		}
		holder.SetDialContext(in.dialer.DialContext)
		in.installed[target] = prev
		in.logger.Debug("dial hook installed", zap.String("target", fmt.Sprintf("%T", target)))
		return nil
	}

	prev := creator.CreateConn()
	creator.SetCreateConn(in.resolveFirst(prev))
	in.installed[target] = prev
	in.logger.Debug("create hook installed", zap.String("target", fmt.Sprintf("%T", target)))
	return nil
}

// Uninstall restores target's original dial function. Targets this
// installer never instrumented are left alone.
func (in *Installer) Uninstall(target any) {
	holder, isHolder := target.(DialerHolder)
	creator, isCreator := target.(ConnCreator)
	if !isHolder && !isCreator {
		return
	}

	in.mu.Lock()
	defer in.mu.Unlock()
	prev, ok := in.installed[target]
	if !ok {
		return
	}
	delete(in.installed, target)
	if isHolder {
		holder.SetDialContext(prev)
	} else {
		creator.SetCreateConn(prev)
	}
	in.logger.Debug("hook uninstalled", zap.String("target", fmt.Sprintf("%T", target)))
}

// Installed reports whether target is currently instrumented by this
// installer.
func (in *Installer) Installed(target any) bool {
	in.mu.Lock()
	defer in.mu.Unlock()
	_, ok := in.installed[target]
	return ok
}

// resolveFirst wraps a creator so the hostname in the address is
// swapped for a locally resolved one before the creator dials. If
// resolution fails the original address goes through unchanged, so a
// proxy creator can still resolve it remotely.
func (in *Installer) resolveFirst(prev DialContextFunc) DialContextFunc {
	next := prev
	if next == nil {
		next = in.dialer.DialContext
	}
	return func(ctx context.Context, network, address string) (net.Conn, error) {
		if resolved, err := in.dialer.Resolve(address); err == nil {
			address = resolved
		}
		return next(ctx, network, address)
	}
}

// HoldTransport adapts an http.Transport to the DialerHolder
// capability. Keep the returned value around for Uninstall: wrapping
// the same transport twice yields two distinct identities.
func HoldTransport(t *http.Transport) DialerHolder {
	return &transportHolder{t: t}
}

type transportHolder struct {
	t *http.Transport
}

func (h *transportHolder) DialContext() DialContextFunc {
	return h.t.DialContext
}

func (h *transportHolder) SetDialContext(fn DialContextFunc) {
	h.t.DialContext = fn
}
