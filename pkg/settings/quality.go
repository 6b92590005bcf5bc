package settings

import "fmt"

// BitrateStep is a named bitrate choice offered by the UI
type BitrateStep struct {
	Name        string
	Bitrate     int    // in kbps
	Description string // short description for UI
}

// Bitrate steps from lowest to highest
var BitrateSteps = []BitrateStep{
	{Name: "Low", Bitrate: 1500, Description: "1.5 Mbps"},
	{Name: "Medium", Bitrate: 4000, Description: "4 Mbps"},
	{Name: "High", Bitrate: 8000, Description: "8 Mbps"},
	{Name: "Ultra", Bitrate: 12000, Description: "12 Mbps"},
	{Name: "Extreme", Bitrate: 20000, Description: "20 Mbps"},
	{Name: "LAN", Bitrate: 35000, Description: "35 Mbps"},
	{Name: "Max", Bitrate: MaxBitrate, Description: "50 Mbps"},
}

// BitrateStepIndex returns the index of the step closest to kbps
func BitrateStepIndex(kbps int) int {
	best := 0
	for i, step := range BitrateSteps {
		if abs(step.Bitrate-kbps) < abs(BitrateSteps[best].Bitrate-kbps) {
			best = i
		}
	}
	return best
}

// FormatBitrate renders kbps for display
func FormatBitrate(kbps int) string {
	if kbps >= 1000 {
		return fmt.Sprintf("%.1f Mbps", float64(kbps)/1000)
	}
	return fmt.Sprintf("%d kbps", kbps)
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}
