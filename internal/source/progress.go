package source

type Phase int

const (
	PhaseValidatingManifest Phase = iota
	PhaseDownloading
	PhaseExtracting
	PhaseCopying
	PhaseValidatingFiles
	PhaseCompleted
)

func (p Phase) String() string {
	switch p {
	case PhaseValidatingManifest:
		return "ValidatingManifest"
	case PhaseDownloading:
		return "Downloading"
	case PhaseExtracting:
		return "Extracting"
	case PhaseCopying:
		return "Copying"
	case PhaseValidatingFiles:
		return "ValidatingFiles"
	case PhaseCompleted:
		return "Completed"
	default:
		return "Unknown"
	}
}

type ContentAcquisitionProgress struct {
	Phase              Phase
	ProgressPercentage float64
	CurrentOperation   string
	FilesProcessed     int
	TotalFiles         int
	BytesProcessed     int64
	TotalBytes         int64
}

type ProgressFunc func(ContentAcquisitionProgress)

// Report calls fn when it is set.
func (fn ProgressFunc) Report(p ContentAcquisitionProgress) {
	if fn != nil {
		fn(p)
	}
}

// Percent computes done/total as a percentage, 0 when total is unknown.
func Percent(done, total int64) float64 {
	if total <= 0 {
		return 0
	}
	pct := float64(done) * 100 / float64(total)
	if pct > 100 {
		return 100
	}
	return pct
}
