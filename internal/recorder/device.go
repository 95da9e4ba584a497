package recorder

import (
	"context"
	"sync"
)

// Track is an open capture handle. Stop releases the underlying hardware and
// must be safe to call more than once.
type Track interface {
	Stop()
}

// Device opens capture tracks.
type Device interface {
	Open(ctx context.Context) (Track, error)
}

// RemoteDevice stands for a microphone that lives in the user's browser.
// The browser asks for permission itself and reports the outcome; audio then
// arrives as WAV chunks through Recorder.WriteWAV.
type RemoteDevice struct {
	Denied bool
	// Released is called once when the recorder lets go of the track.
	Released func()
}

func (d RemoteDevice) Open(ctx context.Context) (Track, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if d.Denied {
		return nil, ErrPermissionDenied
	}
	return &remoteTrack{released: d.Released}, nil
}

type remoteTrack struct {
	once     sync.Once
	released func()
}

func (t *remoteTrack) Stop() {
	t.once.Do(func() {
		if t.released != nil {
			t.released()
		}
	})
}
