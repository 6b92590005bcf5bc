package settings

// FPSStep defines a framerate choice offered by the UI
type FPSStep struct {
	Value       int
	Name        string
	Description string
}

// FPS steps from lowest to highest
var FPSSteps = []FPSStep{
	{Value: 15, Name: "15", Description: "low power"},
	{Value: 24, Name: "24", Description: "cinematic"},
	{Value: 30, Name: "30", Description: "standard"},
	{Value: 60, Name: "60", Description: "smooth"},
	{Value: 120, Name: "120", Description: "ultra smooth"},
}

// FPSIndexForValue returns the index of the step matching fps,
// or the 30 fps step if not found
func FPSIndexForValue(fps int) int {
	for i, step := range FPSSteps {
		if step.Value == fps {
			return i
		}
	}
	return 2
}
