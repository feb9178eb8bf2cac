package reporter

// Reporter defines the interface for progress reporting.
type Reporter interface {
	Hardware(summary HardwareSummary)
	SessionStarted(summary SessionSummary)
	PictureEncoded(update PictureUpdate)
	GopComplete(summary GopSummary)
	EncodingProgress(progress ProgressSnapshot)
	SessionComplete(outcome SessionOutcome)
	Warning(message string)
	Error(err ReporterError)
	Verbose(message string)
}

// NullReporter is a no-op reporter that discards all updates.
type NullReporter struct{}

func (NullReporter) Hardware(HardwareSummary)          {}
func (NullReporter) SessionStarted(SessionSummary)     {}
func (NullReporter) PictureEncoded(PictureUpdate)      {}
func (NullReporter) GopComplete(GopSummary)            {}
func (NullReporter) EncodingProgress(ProgressSnapshot) {}
func (NullReporter) SessionComplete(SessionOutcome)    {}
func (NullReporter) Warning(string)                    {}
func (NullReporter) Error(ReporterError)               {}
func (NullReporter) Verbose(string)                    {}
