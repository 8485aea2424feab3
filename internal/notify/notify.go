// Package notify surfaces connection status and sync progress to the user.
package notify

import (
	"io"
	"os"
	"sync"

	"github.com/rudransh-shrivastava/peer-sync/internal/logger"
	"github.com/schollz/progressbar/v3"
	"github.com/sirupsen/logrus"
)

type Notifier interface {
	Status(text string)
	Notify(message string)
}

// Progress tracks one multi-step transfer.
type Progress interface {
	Add(n int)
	Done()
}

// ProgressReporter is implemented by notifiers that can render transfer
// progress. Callers type-assert for it.
type ProgressReporter interface {
	Progress(description string, total int) Progress
}

type LogNotifier struct {
	log *logrus.Logger
	out io.Writer

	mu     sync.Mutex
	status string
}

var (
	_ Notifier         = (*LogNotifier)(nil)
	_ ProgressReporter = (*LogNotifier)(nil)
)

// NewLogNotifier logs through log and draws progress bars on out. A nil out
// disables progress bars.
func NewLogNotifier(log *logrus.Logger, out io.Writer) *LogNotifier {
	if log == nil {
		log = logger.NewLogger()
	}
	return &LogNotifier{log: log, out: out}
}

// NewTerminalNotifier draws progress on stderr.
func NewTerminalNotifier(log *logrus.Logger) *LogNotifier {
	return NewLogNotifier(log, os.Stderr)
}

// Status records the current connection status. Repeated identical statuses
// are logged once.
func (n *LogNotifier) Status(text string) {
	n.mu.Lock()
	changed := n.status != text
	n.status = text
	n.mu.Unlock()

	if changed {
		n.log.WithField("status", text).Info("Status changed")
	}
}

func (n *LogNotifier) Notify(message string) {
	n.log.Warn(message)
}

func (n *LogNotifier) Current() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.status
}

func (n *LogNotifier) Progress(description string, total int) Progress {
	if n.out == nil || total <= 1 {
		return nopProgress{}
	}
	bar := progressbar.NewOptions(total,
		progressbar.OptionSetWriter(n.out),
		progressbar.OptionSetDescription(description),
		progressbar.OptionShowCount(),
		progressbar.OptionClearOnFinish(),
	)
	return &barProgress{bar: bar, log: n.log}
}

type barProgress struct {
	bar *progressbar.ProgressBar
	log *logrus.Logger
}

func (p *barProgress) Add(n int) {
	if err := p.bar.Add(n); err != nil {
		p.log.WithError(err).Debug("Failed to advance progress bar")
	}
}

func (p *barProgress) Done() {
	if err := p.bar.Finish(); err != nil {
		p.log.WithError(err).Debug("Failed to finish progress bar")
	}
}

type nopProgress struct{}

func (nopProgress) Add(int) {}
func (nopProgress) Done()   {}

// Start returns a progress tracker from n when it can render one.
func Start(n Notifier, description string, total int) Progress {
	if r, ok := n.(ProgressReporter); ok {
		return r.Progress(description, total)
	}
	return nopProgress{}
}
