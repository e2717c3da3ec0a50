// Package notifier sends desktop notifications for supervisor events
package notifier

import (
	"fmt"
	"time"

	"github.com/gen2brain/beeep"

	"github.com/forkpool/forkpool/pkg/logger"
)

// Sender delivers one notification.
type Sender func(title, message string) error

// Config represents notification configuration
type Config struct {
	Enabled bool
	// Sound beeps on time-limit overruns.
	Sound bool
}

// Notifier reports pool events to the desktop.
type Notifier struct {
	enabled bool
	sound   bool
	logger  logger.Logger
	send    Sender
	beep    func() error
}

// Option configures a Notifier.
type Option func(*Notifier)

// WithSender replaces the desktop notification backend.
func WithSender(s Sender) Option {
	return func(n *Notifier) {
		n.send = s
	}
}

// WithBeep replaces the sound backend.
func WithBeep(beep func() error) Option {
	return func(n *Notifier) {
		n.beep = beep
	}
}

// New creates a notifier.
func New(config Config, log logger.Logger, opts ...Option) *Notifier {
	if log == nil {
		log = logger.NopLogger{}
	}
	n := &Notifier{
		enabled: config.Enabled,
		sound:   config.Sound,
		logger:  log,
		send: func(title, message string) error {
			return beeep.Notify(title, message, "")
		},
		beep: func() error {
			return beeep.Beep(beeep.DefaultFreq, beeep.DefaultDuration)
		},
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// Enabled reports whether notifications are sent.
func (n *Notifier) Enabled() bool {
	return n != nil && n.enabled
}

// NotifyTimeLimit reports a worker killed for exceeding limit.
func (n *Notifier) NotifyTimeLimit(limit time.Duration) {
	if !n.Enabled() {
		return
	}

	n.sendNotification("Worker time limit exceeded",
		fmt.Sprintf("A worker ran longer than %s and was terminated", formatDuration(limit)))

	if n.sound {
		if err := n.beep(); err != nil {
			n.logger.Debug("Failed to play sound", logger.WithField("error", err))
		}
	}
}

// NotifyShutdown reports that the pool drained and the supervisor completed.
func (n *Notifier) NotifyShutdown(uptime time.Duration) {
	if !n.Enabled() {
		return
	}
	n.sendNotification("Supervisor stopped",
		fmt.Sprintf("All workers exited after %s", formatDuration(uptime)))
}

// NotifyRestart reports a restart in place.
func (n *Notifier) NotifyRestart() {
	if !n.Enabled() {
		return
	}
	n.sendNotification("Supervisor restarting", "Re-executing with the original command")
}

func (n *Notifier) sendNotification(title, message string) {
	if err := n.send(title, message); err != nil {
		n.logger.Debug("Failed to send notification", logger.WithField("error", err))
		// Fallback to the log
		n.logger.Info(fmt.Sprintf("%s: %s", title, message))
	}
}

func formatDuration(d time.Duration) string {
	if d < time.Second {
		return fmt.Sprintf("%dms", d.Milliseconds())
	}
	if d < time.Minute {
		return fmt.Sprintf("%.1fs", d.Seconds())
	}
	return fmt.Sprintf("%dm%ds", int(d.Minutes()), int(d.Seconds())%60)
}
