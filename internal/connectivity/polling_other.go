//go:build !linux

package connectivity

func newSystemSource(logger Logger) (Source, error) {
	return newPollingSource(defaultPollInterval, logger), nil
}
