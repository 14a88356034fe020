// Package rgrepair rebuilds and repairs the resource group index of a
// Strata filesystem. It operates under a graduated trust model: each
// level believes less of what is on the disk and spends more effort
// reconstructing it, and a level that finds the damage beyond its
// method reports back so the caller can escalate.
package rgrepair

import (
	"errors"

	"github.com/stratafs/stratafs/pkg/elog"
	"github.com/stratafs/stratafs/pkg/scfg"
	"github.com/stratafs/stratafs/pkg/strata"
)

// TrustLevel is how much of the on-disk rindex the repairer believes.
type TrustLevel int

const (
	// BlindFaith takes the rindex at face value.
	BlindFaith TrustLevel = iota
	// YeOfLittleFaith trusts the record addresses but verifies every
	// derived field against them.
	YeOfLittleFaith
	// OpenMinded recomputes the whole index the way the formatter
	// would have laid it out, and compares.
	OpenMinded
	// Distrust walks the device at the probed strides and counts the
	// resource groups by hand.
	Distrust
	// Indignation is Distrust for filesystems that were grown after
	// format, whose groups are not on predictable boundaries.
	Indignation
)

// Levels is the escalation ladder in order.
var Levels = []TrustLevel{BlindFaith, YeOfLittleFaith, OpenMinded, Distrust, Indignation}

func (l TrustLevel) String() string {
	switch l {
	case BlindFaith:
		return "BLIND_FAITH"
	case YeOfLittleFaith:
		return "YE_OF_LITTLE_FAITH"
	case OpenMinded:
		return "OPEN_MINDED"
	case Distrust:
		return "DISTRUST"
	case Indignation:
		return "INDIGNATION"
	}
	return "UNKNOWN"
}

// The repair outcome taxonomy. Fatal I/O errors surface as whatever
// the device layer wrapped them in; everything the ladder needs to
// discriminate is one of these.
var (
	// ErrRepairRejected means the level found more damage than its
	// method tolerates; the caller should escalate.
	ErrRepairRejected = errors.New("too many discrepancies for this trust level")

	// ErrRepairRefused means the operator declined a prompt; no
	// further writes were performed.
	ErrRepairRefused = errors.New("repair refused by operator")

	// ErrUnrecoverable means the method was exhausted and there is no
	// higher level to climb to.
	ErrUnrecoverable = errors.New("resource group structure is beyond repair by this method")
)

// Prompter guards every destructive step.
type Prompter interface {
	Query(msg string) bool
}

// PrompterFunc adapts a function to the Prompter interface.
type PrompterFunc func(msg string) bool

// Query implements Prompter.
func (fn PrompterFunc) Query(msg string) bool {
	return fn(msg)
}

// AlwaysYes approves every prompt. Automated runs use it.
var AlwaysYes Prompter = PrompterFunc(func(msg string) bool { return true })

// AlwaysNo declines every prompt.
var AlwaysNo Prompter = PrompterFunc(func(msg string) bool { return false })

// Args configures a Repairer.
type Args struct {
	FS       *strata.FS
	Log      elog.View
	Prompter Prompter
	Tunables scfg.Tunables
}

// Repairer holds the state of one repair run that outlives a single
// level: the false resource group set. The probed segment distances and
// the expected descriptor set are rebuilt inside each Repair call.
// Create one per filesystem; run Repair once per trust level.
type Repairer struct {
	fs     *strata.FS
	log    elog.View
	prompt Prompter
	tun    scfg.Tunables

	falseRGs map[uint64]struct{}
}

// New returns a Repairer over the mounted filesystem. Zero-valued
// tunables fall back to the shipped defaults.
func New(args *Args) *Repairer {

	tun := args.Tunables
	if tun.MaxSegments == 0 {
		tun = scfg.Defaults()
	}

	log := args.Log
	if log == nil {
		log = elog.Discard
	}

	prompt := args.Prompter
	if prompt == nil {
		prompt = AlwaysNo
	}

	return &Repairer{
		fs:     args.FS,
		log:    log,
		prompt: prompt,
		tun:    tun,
	}

}
