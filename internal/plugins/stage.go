package plugins

// Stage is a totally-ordered phase label in the audit pipeline. Every
// testing plugin declares exactly one Stage; Report is a sentinel that
// runs once after every other stage has drained.
type Stage int

const (
	StageRecon Stage = iota
	StageScan
	StageAttack
	StageIntrude
	StageCleanup
	StageReport
)

var stageNames = map[string]Stage{
	"recon":   StageRecon,
	"scan":    StageScan,
	"attack":  StageAttack,
	"intrude": StageIntrude,
	"cleanup": StageCleanup,
	"report":  StageReport,
}

var stageLabels = [...]string{"recon", "scan", "attack", "intrude", "cleanup", "report"}

func (s Stage) String() string {
	if int(s) < 0 || int(s) >= len(stageLabels) {
		return "unknown"
	}
	return stageLabels[s]
}

// ParseStage resolves a descriptor's Stage key, defaulting to StageRecon
// when unset.
func ParseStage(label string) (Stage, bool) {
	if label == "" {
		return StageRecon, true
	}
	s, ok := stageNames[label]
	return s, ok
}

// MaxTestingStage is the last non-report stage — StageCleanup.
const MaxTestingStage = StageCleanup
