package rdm

// progressMsg is what fetch goroutines and the strategy push onto the
// job's progress channel. Exactly one of event or errText is set; errText
// marks the terminal, job-ending error (ProgressObserver.OnError). A clean
// finish (ProgressObserver.OnComplete) is signalled by closing the
// channel, not by a message.
type progressMsg struct {
	event   *ProgressEvent
	errText string
}

// sendProgress is a non-blocking, lossy send: a slow or absent observer
// must never stall a range fetcher. The channel is sized (see
// downloader.go) so that in practice only a sustained consumer stall
// drops anything.
func sendProgress(ch chan<- progressMsg, msg progressMsg) {
	select {
	case ch <- msg:
	default:
	}
}
