package metrics

// Noop implements Collector with empty methods; it is the default when a
// Server is constructed without a Metrics field set.
type Noop struct{}

func (Noop) ConnectionOpened(proto string)             {}
func (Noop) ConnectionClosed(proto string)              {}
func (Noop) TLSConnectionEstablished(proto string)      {}
func (Noop) AuthAttempt(proto string, success bool)     {}
func (Noop) CommandProcessed(proto, command string)     {}
func (Noop) MessagePosted(proto string, sizeBytes int)  {}
func (Noop) MessageFetched(proto string, sizeBytes int) {}
