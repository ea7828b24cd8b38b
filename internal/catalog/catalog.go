// Package catalog maps model tokens to human-friendly names (spec.md §12.1,
// supplementary, purely cosmetic — never consulted by the C1-C4 core).
package catalog

// names mirrors the teacher's shellies map in shape: a static lookup table
// from the wire model token to a display name. Populated with a
// representative set of Gecko-based reference designs; callers targeting
// other device families supply their own via Register.
var names = map[string]string{
	"BRD4108A": "Silicon Labs Thunderboard BG22",
	"BRD4184A": "Silicon Labs xG24 Dev Kit",
	"BRD4187C": "Silicon Labs xG24 Explorer Kit",
	"BRD4191A": "Silicon Labs xG27 Dev Kit",
	"BGM220P":  "BGM220 Bluetooth Module",
}

// Register adds or overrides a model token's friendly name.
func Register(model, name string) {
	names[model] = name
}

// FriendlyName returns the human-readable name for model, falling back to
// the raw token when unknown, exactly as the teacher's FamilyFriendlyName
// falls back to d.Model.
func FriendlyName(model string) string {
	if name, ok := names[model]; ok && name != "" {
		return name
	}
	return model
}
