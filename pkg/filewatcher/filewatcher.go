package filewatcher

import (
	"github.com/fsnotify/fsnotify"
)

// EventHandler is called when a watched file changes.
type EventHandler func(fsnotify.Event)

// ErrorHandler is called when the underlying watcher reports an error.
type ErrorHandler func(error)

// ClientInt watches files for changes and dispatches events to the
// registered handlers. The controller uses it to pick up rotations of
// the cloud config without a restart.
type ClientInt interface {
	Add(path string) error
	Start(exit <-chan struct{})
}

// Client is the concrete fsnotify-backed file watcher.
type Client struct {
	watcher      *fsnotify.Watcher
	eventHandler EventHandler
	errorHandler ErrorHandler
}

// NewFileWatcher returns a file watcher that invokes eventHandler for
// every file event and errorHandler for watcher errors.
func NewFileWatcher(eventHandler EventHandler, errorHandler ErrorHandler) (ClientInt, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &Client{
		watcher:      watcher,
		eventHandler: eventHandler,
		errorHandler: errorHandler,
	}, nil
}

// Add registers a path with the watcher.
func (c *Client) Add(path string) error {
	return c.watcher.Add(path)
}

// Start dispatches watcher events until exit is closed.
func (c *Client) Start(exit <-chan struct{}) {
	defer c.watcher.Close()
	for {
		select {
		case event, ok := <-c.watcher.Events:
			if !ok {
				return
			}
			c.eventHandler(event)
		case err, ok := <-c.watcher.Errors:
			if !ok {
				return
			}
			c.errorHandler(err)
		case <-exit:
			return
		}
	}
}
