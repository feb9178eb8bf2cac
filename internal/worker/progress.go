package worker

// Progress represents encoding progress information.
type Progress struct {
	GopsComplete     int
	PicturesComplete int
	PicturesTotal    int
	BitsComplete     float64
}

// Percent returns the completion percentage.
func (p Progress) Percent() float64 {
	if p.PicturesTotal == 0 {
		return 0
	}
	return float64(p.PicturesComplete) / float64(p.PicturesTotal) * 100
}
