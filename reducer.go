package billfold

// A Reducer folds one event into a new state. A nil previous state means the
// aggregate does not exist yet; returning nil tombstones it. Reducers must be
// pure: the next state depends only on the previous state and the event, and
// the previous state is never mutated.
type Reducer[S any] func(prev *S, evt Event) (*S, error)

// Combine chains reducers into one. The same event is fed to each reducer in
// list order, threading the evolving state: the output of one stage is the
// input of the next. A nil state produced by any stage is passed along to the
// remaining stages, which must treat it as "deleted, pass through". An error
// from any stage aborts the whole application.
func Combine[S any](reducers ...Reducer[S]) Reducer[S] {
	return func(prev *S, evt Event) (*S, error) {
		state := prev
		for _, reduce := range reducers {
			next, err := reduce(state, evt)
			if err != nil {
				return nil, err
			}
			state = next
		}
		return state, nil
	}
}
