// Package persona scores user requests against a character profile and
// reports conflicts with the profile's forbidden behaviors. Compatibility
// starts at 100 and each matched violation subtracts a severity-scaled
// penalty.
package persona

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"unicode/utf8"

	"gopkg.in/yaml.v3"

	"github.com/luminestory/bulwark/pkg/threat"
)

// Severity levels for forbidden patterns. Higher is worse.
const (
	SeverityMinor    = 1
	SeverityModerate = 2
	SeveritySevere   = 3
)

// ForbiddenPattern is one behavior a profile disallows.
type ForbiddenPattern struct {
	Name       string `yaml:"name"`
	Pattern    string `yaml:"pattern"`
	Severity   int    `yaml:"severity"`
	Rule       string `yaml:"rule"`
	Suggestion string `yaml:"suggestion"`

	re *regexp.Regexp
}

// Profile describes a character the agent plays and the behaviors that
// would break it.
type Profile struct {
	Name              string             `yaml:"name"`
	Description       string             `yaml:"description"`
	StyleMarkers      []string           `yaml:"style_markers"`
	ForbiddenPatterns []ForbiddenPattern `yaml:"forbidden_patterns"`
	References        []string           `yaml:"references"`
}

// Conflict is one matched violation.
type Conflict struct {
	Name       string `json:"name"`
	Rule       string `json:"rule"`
	Severity   int    `json:"severity"`
	Snippet    string `json:"snippet"`
	Suggestion string `json:"suggestion"`
}

// Assessment is the result of analyzing one message against a profile.
type Assessment struct {
	Profile    string        `json:"profile"`
	Score      int           `json:"score"`
	Action     threat.Action `json:"action"`
	Confidence float64       `json:"confidence"`
	Reason     string        `json:"reason"`
	Conflicts  []Conflict    `json:"conflicts,omitempty"`
}

// Detector holds the loaded profiles and the strictness knob.
type Detector struct {
	sensitivity float64
	profiles    map[string]*Profile
	defaultName string
}

// New builds a detector with the built-in default profile. Sensitivity is
// clamped to [0.1, 1.0]; higher values subtract larger penalties.
func New(sensitivity float64) *Detector {
	if sensitivity < 0.1 {
		sensitivity = 0.1
	}
	if sensitivity > 1.0 {
		sensitivity = 1.0
	}
	d := &Detector{
		sensitivity: sensitivity,
		profiles:    make(map[string]*Profile),
	}
	p := defaultProfile()
	d.profiles[p.Name] = p
	d.defaultName = p.Name
	return d
}

// defaultProfile is a reserved, elegant young-lady character. Its forbidden
// list targets the usual persona-break requests seen in group chats.
func defaultProfile() *Profile {
	p := &Profile{
		Name:        "大小姐",
		Description: "端庄优雅的大小姐人设，措辞克制，不做幼稚拟声或卖萌行为。",
		StyleMarkers: []string{
			"端庄", "优雅", "克制", "礼貌",
		},
		ForbiddenPatterns: []ForbiddenPattern{
			{
				Name:       "幼稚拟声行为",
				Pattern:    `喵喵喵|喵{2,}|mew mew|にゃ[ー~]*`,
				Severity:   SeveritySevere,
				Rule:       "保持淑女风范，避免幼稚拟声行为",
				Suggestion: "可改为端庄回应或用温婉措辞表达情绪。",
			},
			{
				Name:       "粗俗调侃",
				Pattern:    `土味情话|骚话|下流|下限|低幼|幼稚|粗俗`,
				Severity:   SeverityModerate,
				Rule:       "用语需克制优雅，避免粗俗或低幼表达",
				Suggestion: "改用礼貌且含蓄的措辞，保持角色气质。",
			},
			{
				Name:       "角色设定破坏",
				Pattern:    `装可爱|卖萌|撒娇|嗲嗲|扮演猫娘|act like a catgirl`,
				Severity:   SeverityModerate,
				Rule:       "避免违背大小姐设定的过度亲昵与卖萌行为",
				Suggestion: "以端庄方式表达，或婉拒该类请求。",
			},
		},
		References: []string{
			"人设准则 #1：保持淑女风范与礼仪",
			"人设准则 #2：用语克制优雅，避免低幼表达",
			"人设准则 #3：避免破坏既有人设设定的行为",
		},
	}
	if err := compileProfile(p); err != nil {
		panic(fmt.Sprintf("persona: built-in profile invalid: %v", err))
	}
	return p
}

func compileProfile(p *Profile) error {
	if p.Name == "" {
		return fmt.Errorf("profile has no name")
	}
	for i := range p.ForbiddenPatterns {
		fp := &p.ForbiddenPatterns[i]
		if fp.Pattern == "" {
			return fmt.Errorf("profile %q: pattern %q is empty", p.Name, fp.Name)
		}
		re, err := regexp.Compile("(?i)" + fp.Pattern)
		if err != nil {
			return fmt.Errorf("profile %q: pattern %q: %w", p.Name, fp.Name, err)
		}
		fp.re = re
		if fp.Severity < SeverityMinor {
			fp.Severity = SeverityMinor
		}
		if fp.Severity > SeveritySevere {
			fp.Severity = SeveritySevere
		}
	}
	return nil
}

// LoadProfilesFile merges profiles from a YAML file. All profiles are
// validated before any of them is installed; a profile sharing a name with
// an existing one replaces it.
func (d *Detector) LoadProfilesFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read persona profiles: %w", err)
	}
	var doc struct {
		Profiles []*Profile `yaml:"profiles"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("parse persona profiles: %w", err)
	}
	if len(doc.Profiles) == 0 {
		return fmt.Errorf("persona profiles file %s declares no profiles", path)
	}
	for _, p := range doc.Profiles {
		if err := compileProfile(p); err != nil {
			return err
		}
	}
	for _, p := range doc.Profiles {
		d.profiles[p.Name] = p
	}
	return nil
}

// Profiles lists the loaded profile names.
func (d *Detector) Profiles() []string {
	names := make([]string, 0, len(d.profiles))
	for name := range d.profiles {
		names = append(names, name)
	}
	return names
}

// profile resolves a profile by name, falling back to the default.
func (d *Detector) profile(name string) *Profile {
	if p, ok := d.profiles[name]; ok {
		return p
	}
	return d.profiles[d.defaultName]
}

// Analyze scores text against the named profile (empty name picks the
// default). The result is never nil.
func (d *Detector) Analyze(text, profileName string) *Assessment {
	p := d.profile(profileName)
	lowered := strings.ToLower(text)

	score := 100
	maxSeverity := 0
	var conflicts []Conflict
	for i := range p.ForbiddenPatterns {
		fp := &p.ForbiddenPatterns[i]
		loc := fp.re.FindStringIndex(lowered)
		if loc == nil {
			continue
		}
		penalty := int(float64(penaltyFor(fp.Severity)) * d.sensitivity)
		score -= penalty
		if score < 0 {
			score = 0
		}
		if fp.Severity > maxSeverity {
			maxSeverity = fp.Severity
		}
		conflicts = append(conflicts, Conflict{
			Name:       fp.Name,
			Rule:       fp.Rule,
			Severity:   fp.Severity,
			Snippet:    contextSnippet(lowered, loc[0], loc[1]),
			Suggestion: fp.Suggestion,
		})
	}

	action, reason := decide(score, maxSeverity)
	return &Assessment{
		Profile:    p.Name,
		Score:      score,
		Action:     action,
		Confidence: float64(100-score) / 100,
		Reason:     reason,
		Conflicts:  conflicts,
	}
}

func penaltyFor(severity int) int {
	switch {
	case severity >= SeveritySevere:
		return 50
	case severity == SeverityModerate:
		return 25
	default:
		return 10
	}
}

func decide(score, maxSeverity int) (threat.Action, string) {
	switch {
	case maxSeverity >= SeveritySevere || score < 50:
		return threat.ActionBlock, "severe persona conflict"
	case score < 80:
		return threat.ActionRevise, "persona violation, request should be rephrased"
	case score < 95:
		return threat.ActionWarn, "minor persona deviation"
	default:
		return threat.ActionAllow, ""
	}
}

// contextSnippet returns the match plus up to 12 runes of surrounding
// context on each side.
func contextSnippet(s string, start, end int) string {
	const pad = 12
	left := start
	for i := 0; i < pad && left > 0; i++ {
		_, size := utf8.DecodeLastRuneInString(s[:left])
		left -= size
	}
	right := end
	for i := 0; i < pad && right < len(s); i++ {
		_, size := utf8.DecodeRuneInString(s[right:])
		right += size
	}
	return s[left:right]
}
