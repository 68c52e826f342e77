package replay

import "errors"

var (
	// ErrSegmentMissing is returned by a Store when an evicted segment's file
	// no longer exists. The registry logs it and carries on.
	ErrSegmentMissing = errors.New("segment file missing")

	// ErrMalformedManifest is returned when the manifest tail does not hold a
	// complete #EXTINF / filename pair.
	ErrMalformedManifest = errors.New("malformed manifest tail")

	// ErrSourceGone is returned by a ChangeSource whose watched directory or
	// handle has been invalidated. It is fatal for the watcher.
	ErrSourceGone = errors.New("change notification source gone")

	// ErrEmptyWindow is returned by a finalize cycle with nothing to merge.
	ErrEmptyWindow = errors.New("replay window is empty")

	// ErrWatcherLost ends a session after the manifest watcher shut down.
	ErrWatcherLost = errors.New("manifest watcher lost its change source")

	// ErrEncoderExited ends a session when the encoder dies on its own.
	ErrEncoderExited = errors.New("encoder exited unexpectedly")
)
