//go:build darwin || windows

// Package notify surfaces a system-tray icon that reports agent
// connection status and, when a supervised process the user cares
// about (a sync server, most often) dies unexpectedly, logs the event
// and shows it as the tray icon's tooltip. No native notification
// popup is shown. The tray event loop is not run when the agent runs
// with -headless.
package notify

import (
	_ "embed"
	"log/slog"
	"runtime"

	"github.com/getlantern/systray"
)

//go:embed assets/icon.png
var iconData []byte

// Sink drives the tray icon and its tooltip notifications.
type Sink struct {
	log         *slog.Logger
	statusItem  *systray.MenuItem
	onQuit      func()
	isConnected bool
}

// NewSink creates a Sink. Start must be called from the main
// goroutine; systray.Run blocks until Quit.
func NewSink(log *slog.Logger) *Sink {
	if log == nil {
		log = slog.Default()
	}
	return &Sink{log: log}
}

// OnQuit registers the callback invoked when the user quits from the
// tray menu.
func (s *Sink) OnQuit(fn func()) { s.onQuit = fn }

// Start blocks running the tray event loop. Call it from main after
// every other component has started.
func (s *Sink) Start() {
	systray.Run(s.onReady, s.onExit)
}

func (s *Sink) onReady() {
	systray.SetIcon(iconData)
	if runtime.GOOS == "windows" {
		systray.SetTitle("Machine Agent")
	}
	systray.SetTooltip("Machine Agent")

	s.statusItem = systray.AddMenuItem("Status: Connecting...", "Connection status")
	s.statusItem.Disable()

	systray.AddSeparator()
	quitItem := systray.AddMenuItem("Quit Machine Agent", "Stop the machine agent")

	go func() {
		<-quitItem.ClickedCh
		s.log.Info("quit requested from tray")
		if s.onQuit != nil {
			s.onQuit()
		}
		systray.Quit()
	}()
}

func (s *Sink) onExit() {
	s.log.Info("tray exiting")
}

// SetConnected updates the tray's connection indicator.
func (s *Sink) SetConnected(connected bool) {
	s.isConnected = connected
	if s.statusItem == nil {
		return
	}
	if connected {
		s.statusItem.SetTitle("Status: Connected")
	} else {
		s.statusItem.SetTitle("Status: Offline")
	}
}

// Notify logs the notification and sets it as the tray icon's tooltip;
// it does not pop a native notification.
func (s *Sink) Notify(title, message string) {
	s.log.Info("notification", "title", title, "message", message)
	systray.SetTooltip(title + ": " + message)
}
