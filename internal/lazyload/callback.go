package lazyload

// Callback receives the outcome of a keyed load. Implementations must be
// comparable (pointer types) because StopLoading removes them by identity.
type Callback[K comparable, V any] interface {
	OnLoadFinished(key K, value V)
	OnLoadFailed(key K)
}

// RetryCallback is implemented by callbacks that want to hear about a failed
// attempt that still has retries left. The pool drops the key after every
// attempt, so such a subscriber has to call Load again to retry.
type RetryCallback[K comparable] interface {
	OnLoadRetry(key K, attempt int)
}

// CallbackFuncs adapts plain functions to Callback and RetryCallback.
type CallbackFuncs[K comparable, V any] struct {
	Finished func(key K, value V)
	Failed   func(key K)
	Retry    func(key K, attempt int)
}

func (f *CallbackFuncs[K, V]) OnLoadFinished(key K, value V) {
	if f.Finished != nil {
		f.Finished(key, value)
	}
}

func (f *CallbackFuncs[K, V]) OnLoadFailed(key K) {
	if f.Failed != nil {
		f.Failed(key)
	}
}

func (f *CallbackFuncs[K, V]) OnLoadRetry(key K, attempt int) {
	if f.Retry != nil {
		f.Retry(key, attempt)
	}
}
