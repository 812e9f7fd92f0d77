package llm

import (
	"fmt"
	"strings"

	"github.com/xaenox/slyntos/internal/models"
)

// Function tool names the model may call.
const (
	ToolGenerateImage = "generate_image"
	ToolEditImage     = "edit_image"
	ToolSpeak         = "speak"
	ToolPlayBeat      = "play_beat"
	ToolStopBeat      = "stop_beat"
)

// Profile is the model and tool configuration for one (surface, mode) cell.
type Profile struct {
	Model     string
	Search    bool
	Functions []string
	// ThinkingBudget is nil for the model default and -1 for dynamic thinking.
	ThinkingBudget *int32
	Temperature    float32
	TopP           float32
}

// ProfileTable maps (surface, mode) to a Profile.
type ProfileTable map[models.Surface]map[Mode]Profile

// Lookup returns the profile for surface and mode. Unknown modes fall back to
// the default mode and unknown surfaces to General.
func (t ProfileTable) Lookup(surface models.Surface, mode Mode) Profile {
	row, ok := t[surface]
	if !ok {
		row = t[models.SurfaceGeneral]
	}
	if p, ok := row[mode]; ok {
		return p
	}
	return row[ModeDefault]
}

// WithModels returns a copy with model names replaced. Keys have the form
// "<surface>/<mode>", e.g. "academic/thinking".
func (t ProfileTable) WithModels(overrides map[string]string) (ProfileTable, error) {
	out := make(ProfileTable, len(t))
	for s, row := range t {
		out[s] = make(map[Mode]Profile, len(row))
		for m, p := range row {
			out[s][m] = p
		}
	}

	for key, model := range overrides {
		surfacePart, modePart, ok := strings.Cut(key, "/")
		if !ok {
			return nil, fmt.Errorf("model override %q: want <surface>/<mode>", key)
		}
		surface, err := models.ParseSurface(surfacePart)
		if err != nil {
			return nil, fmt.Errorf("model override %q: %w", key, err)
		}
		mode, err := ParseMode(modePart)
		if err != nil {
			return nil, fmt.Errorf("model override %q: %w", key, err)
		}
		row, ok := out[surface]
		if !ok {
			row = make(map[Mode]Profile)
			out[surface] = row
		}
		p := row[mode]
		p.Model = model
		row[mode] = p
	}
	return out, nil
}

func budget(n int32) *int32 { return &n }

func base(model string) Profile {
	return Profile{Model: model, Temperature: 0.7, TopP: 0.95}
}

func withSearch(p Profile) Profile {
	p.Search = true
	return p
}

func withThinking(p Profile, n int32) Profile {
	p.ThinkingBudget = budget(n)
	return p
}

func withFunctions(p Profile, names ...string) Profile {
	p.Functions = names
	return p
}

// GeminiProfiles is the default table for the Gemini backend.
func GeminiProfiles() ProfileTable {
	return ProfileTable{
		models.SurfaceGeneral: {
			ModeDefault:  withSearch(base("gemini-2.5-flash")),
			ModeThinking: withSearch(withThinking(base("gemini-2.5-pro"), -1)),
			ModeLite:     withSearch(base("gemini-2.5-flash-lite")),
		},
		models.SurfaceAcademic: {
			ModeDefault:  base("gemini-2.5-pro"),
			ModeThinking: withThinking(base("gemini-2.5-pro"), 32768),
			ModeLite:     base("gemini-2.5-flash"),
		},
		models.SurfaceWebsiteCreator: {
			ModeDefault:  base("gemini-2.5-flash"),
			ModeThinking: withThinking(base("gemini-2.5-pro"), -1),
			ModeLite:     base("gemini-2.5-flash-lite"),
		},
	}
}

// OpenAIProfiles is the default table for the OpenAI backend. Without search
// grounding the General surface relies on function tools.
func OpenAIProfiles() ProfileTable {
	general := []string{ToolGenerateImage, ToolEditImage, ToolSpeak}
	return ProfileTable{
		models.SurfaceGeneral: {
			ModeDefault:  withFunctions(base("gpt-4.1-mini"), general...),
			ModeThinking: withFunctions(base("gpt-4.1"), general...),
			ModeLite:     withFunctions(base("gpt-4.1-nano"), general...),
		},
		models.SurfaceAcademic: {
			ModeDefault:  base("gpt-4.1"),
			ModeThinking: base("gpt-4.1"),
			ModeLite:     base("gpt-4.1-mini"),
		},
		models.SurfaceWebsiteCreator: {
			ModeDefault:  base("gpt-4.1-mini"),
			ModeThinking: base("gpt-4.1"),
			ModeLite:     base("gpt-4.1-nano"),
		},
	}
}

type param struct {
	name        string
	kind        string // "string" or "number"
	description string
	enum        []string
	required    bool
}

type functionDecl struct {
	name        string
	description string
	params      []param
}

var functionDecls = map[string]functionDecl{
	ToolGenerateImage: {
		name:        ToolGenerateImage,
		description: "Generates an image based on a user-provided text prompt. Use this when the user explicitly asks to create, generate, or make an image.",
		params: []param{
			{name: "prompt", kind: "string", description: "A detailed text description of the image to be generated.", required: true},
		},
	},
	ToolEditImage: {
		name:        ToolEditImage,
		description: "Edits the image the user attached to their latest message. Use this only when an image is attached and the user asks to change it.",
		params: []param{
			{name: "prompt", kind: "string", description: "A description of the change to apply to the attached image.", required: true},
		},
	},
	ToolSpeak: {
		name:        ToolSpeak,
		description: "Reads text aloud. Use this when the user asks you to sing, speak, or read something out loud.",
		params: []param{
			{name: "text", kind: "string", description: "The exact text to speak.", required: true},
		},
	},
	ToolPlayBeat: {
		name:        ToolPlayBeat,
		description: "Starts playing a background drum beat. Only one beat can play at a time.",
		params: []param{
			{name: "style", kind: "string", description: "The style of the beat to play. Available options are: hiphop, rock, electronic.", enum: []string{"hiphop", "rock", "electronic"}, required: true},
			{name: "tempo", kind: "number", description: "The tempo in beats per minute (BPM). Defaults to 120 if not specified."},
		},
	},
	ToolStopBeat: {
		name:        ToolStopBeat,
		description: "Stops any currently playing background beat.",
	},
}

// jsonSchema renders the declaration's parameters as a JSON schema object.
func (d functionDecl) jsonSchema() map[string]any {
	props := map[string]any{}
	required := []string{}
	for _, p := range d.params {
		prop := map[string]any{"type": p.kind, "description": p.description}
		if len(p.enum) > 0 {
			prop["enum"] = p.enum
		}
		props[p.name] = prop
		if p.required {
			required = append(required, p.name)
		}
	}
	return map[string]any{"type": "object", "properties": props, "required": required}
}
