package room

// Kind is the wire name of a request.
type Kind string

const (
	KindSeat          Kind = "seat"
	KindRelease       Kind = "release"
	KindStart         Kind = "start"
	KindMove          Kind = "moveNotation"
	KindUndoRequest   Kind = "undoReq"
	KindUndoAnswer    Kind = "undoAnswer"
	KindResign        Kind = "resign"
	KindDrawOffer     Kind = "drawOffer"
	KindDrawAnswer    Kind = "drawAnswer"
	KindRestart       Kind = "restart"
	KindRestartAnswer Kind = "restartAnswer"
)

// Acked reports whether the host replies to this kind with a direct ack.
func (k Kind) Acked() bool {
	switch k {
	case KindSeat, KindRelease, KindResign, KindRestart, KindRestartAnswer:
		return true
	}
	return false
}

// Request is a mutating intent. The set of implementations is closed.
type Request interface {
	Kind() Kind
	isRequest()
}

// SeatRequest takes Seat when set, else the first free seat of Side,
// else the first free seat of the mode.
type SeatRequest struct {
	Seat SeatID
	Side Color
}

type ReleaseRequest struct{}
type StartRequest struct{}

type MoveRequest struct {
	Notation string
}

type UndoRequest struct{}

type UndoAnswer struct {
	Accept bool
}

type ResignRequest struct{}
type DrawOffer struct{}

type DrawAnswer struct {
	Accept bool
}

type RestartRequest struct{}

type RestartAnswer struct {
	Accept bool
}

func (SeatRequest) Kind() Kind    { return KindSeat }
func (ReleaseRequest) Kind() Kind { return KindRelease }
func (StartRequest) Kind() Kind   { return KindStart }
func (MoveRequest) Kind() Kind    { return KindMove }
func (UndoRequest) Kind() Kind    { return KindUndoRequest }
func (UndoAnswer) Kind() Kind     { return KindUndoAnswer }
func (ResignRequest) Kind() Kind  { return KindResign }
func (DrawOffer) Kind() Kind      { return KindDrawOffer }
func (DrawAnswer) Kind() Kind     { return KindDrawAnswer }
func (RestartRequest) Kind() Kind { return KindRestart }
func (RestartAnswer) Kind() Kind  { return KindRestartAnswer }

func (SeatRequest) isRequest()    {}
func (ReleaseRequest) isRequest() {}
func (StartRequest) isRequest()   {}
func (MoveRequest) isRequest()    {}
func (UndoRequest) isRequest()    {}
func (UndoAnswer) isRequest()     {}
func (ResignRequest) isRequest()  {}
func (DrawOffer) isRequest()      {}
func (DrawAnswer) isRequest()     {}
func (RestartRequest) isRequest() {}
func (RestartAnswer) isRequest()  {}
