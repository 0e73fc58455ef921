package connection

// OutgoingResponse receives the asynchronous outcome of an outgoing
// creation. Exactly one method is called per request, from any goroutine.
type OutgoingResponse[T any] interface {
	OnSuccess(req Request, result T)
	OnFailure(req Request, cause DisconnectCause, message string)
	OnCancel(req Request)
}

// Response receives the outcome of an incoming or conference creation.
// OnResult may carry zero or more connections; callers validate the count.
type Response interface {
	OnResult(req Request, result ...*Connection)
	OnError(req Request, cause DisconnectCause, message string)
}

// OutgoingFuncs adapts plain functions to OutgoingResponse. Nil fields are
// skipped.
type OutgoingFuncs[T any] struct {
	Success func(req Request, result T)
	Failure func(req Request, cause DisconnectCause, message string)
	Cancel  func(req Request)
}

func (f OutgoingFuncs[T]) OnSuccess(req Request, result T) {
	if f.Success != nil {
		f.Success(req, result)
	}
}

func (f OutgoingFuncs[T]) OnFailure(req Request, cause DisconnectCause, message string) {
	if f.Failure != nil {
		f.Failure(req, cause, message)
	}
}

func (f OutgoingFuncs[T]) OnCancel(req Request) {
	if f.Cancel != nil {
		f.Cancel(req)
	}
}

// ResponseFuncs adapts plain functions to Response.
type ResponseFuncs struct {
	Result func(req Request, result ...*Connection)
	Error  func(req Request, cause DisconnectCause, message string)
}

func (f ResponseFuncs) OnResult(req Request, result ...*Connection) {
	if f.Result != nil {
		f.Result(req, result...)
	}
}

func (f ResponseFuncs) OnError(req Request, cause DisconnectCause, message string) {
	if f.Error != nil {
		f.Error(req, cause, message)
	}
}
