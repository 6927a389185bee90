package http

// State is the position of a connection in the request/response cycle.
//
//	AwaitingRequest -> ReadingRequest -> Dispatching -> WritingHeaders
//	  -> WritingBody | WritingChunk | SendingFile -> Completed
//	  -> Reusing -> AwaitingRequest, or Closing
type State uint8

const (
	AwaitingRequest State = iota
	ReadingRequest
	Dispatching
	WritingHeaders
	WritingBody
	WritingChunk
	SendingFile
	Completed
	Reusing
	Closing
)

func (s State) String() string {
	switch s {
	case AwaitingRequest:
		return "AwaitingRequest"
	case ReadingRequest:
		return "ReadingRequest"
	case Dispatching:
		return "Dispatching"
	case WritingHeaders:
		return "WritingHeaders"
	case WritingBody:
		return "WritingBody"
	case WritingChunk:
		return "WritingChunk"
	case SendingFile:
		return "SendingFile"
	case Completed:
		return "Completed"
	case Reusing:
		return "Reusing"
	case Closing:
		return "Closing"
	default:
		return "Unknown"
	}
}

// idle reports states in which the connection waits for the client.
func (s State) idle() bool {
	return s == AwaitingRequest || s == ReadingRequest
}

// sending reports states in which the connection waits for the socket to
// accept response bytes.
func (s State) sending() bool {
	switch s {
	case WritingHeaders, WritingBody, WritingChunk, SendingFile, Completed:
		return true
	}
	return false
}
