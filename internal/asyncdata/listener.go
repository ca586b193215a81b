package asyncdata

// Listener is implemented by the owner of an Entity. All methods run on the
// Entity's dispatcher, or synchronously inside LoadIfNeeded.
type Listener[T any] interface {
	OnDataLoadStart(e *Entity[T], loadID int)
	OnDataLoaded(e *Entity[T], loadID int)
	OnDataLoadFailed(e *Entity[T], loadID int)
	OnDataLoadInterrupted(e *Entity[T], loadID int)
}

// ListenerFuncs adapts plain functions to Listener; nil fields are skipped.
type ListenerFuncs[T any] struct {
	Start       func(e *Entity[T], loadID int)
	Loaded      func(e *Entity[T], loadID int)
	Failed      func(e *Entity[T], loadID int)
	Interrupted func(e *Entity[T], loadID int)
}

func (f *ListenerFuncs[T]) OnDataLoadStart(e *Entity[T], loadID int) {
	if f.Start != nil {
		f.Start(e, loadID)
	}
}

func (f *ListenerFuncs[T]) OnDataLoaded(e *Entity[T], loadID int) {
	if f.Loaded != nil {
		f.Loaded(e, loadID)
	}
}

func (f *ListenerFuncs[T]) OnDataLoadFailed(e *Entity[T], loadID int) {
	if f.Failed != nil {
		f.Failed(e, loadID)
	}
}

func (f *ListenerFuncs[T]) OnDataLoadInterrupted(e *Entity[T], loadID int) {
	if f.Interrupted != nil {
		f.Interrupted(e, loadID)
	}
}
