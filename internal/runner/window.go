package runner

// RewardWindow keeps the most recent episode rewards in FIFO order.
type RewardWindow struct {
	values []float64
	next   int
	full   bool
}

// NewRewardWindow creates a window holding up to size rewards.
func NewRewardWindow(size int) *RewardWindow {
	return &RewardWindow{values: make([]float64, size)}
}

// Add records a reward, evicting the oldest once full.
func (w *RewardWindow) Add(v float64) {
	w.values[w.next] = v
	w.next = (w.next + 1) % len(w.values)
	if w.next == 0 {
		w.full = true
	}
}

// Len returns how many rewards are held.
func (w *RewardWindow) Len() int {
	if w.full {
		return len(w.values)
	}
	return w.next
}

// Average returns the mean of the held rewards, or 0 when empty.
func (w *RewardWindow) Average() float64 {
	n := w.Len()
	if n == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range w.values[:n] {
		sum += v
	}
	return sum / float64(n)
}

// Values returns the held rewards from oldest to newest.
func (w *RewardWindow) Values() []float64 {
	if !w.full {
		return append([]float64(nil), w.values[:w.next]...)
	}
	return append(append([]float64(nil), w.values[w.next:]...), w.values[:w.next]...)
}
