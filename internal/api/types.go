// Package api holds the data model shared by the scheduler, the reaction
// state machine, the backend drivers, and the agent: images, pipelines,
// reactions, bans, and workers.
package api

import (
	"time"

	"github.com/gabaker/thorium/internal/resources"
)

// ArgDiscipline describes how one of {job_id, results, result_files_dir,
// input_path} is passed to a tool binary.
type ArgDiscipline struct {
	Kind ArgKind `json:"kind"`
	Flag string  `json:"flag,omitempty"` // set when Kind == ArgKwarg
}

type ArgKind string

const (
	ArgNone   ArgKind = "None"
	ArgAppend ArgKind = "Append"
	ArgKwarg  ArgKind = "Kwarg"
)

// ArgsConfig is the argument-passing discipline declared by an image for
// each of the four well-known values the agent can supply.
type ArgsConfig struct {
	JobID          ArgDiscipline `json:"job_id"`
	Results        ArgDiscipline `json:"results"`
	ResultFilesDir ArgDiscipline `json:"result_files_dir"`
	InputPath      ArgDiscipline `json:"input_path"`
}

// CleanupConfig mirrors ArgsConfig for the image's cancellation script.
type CleanupConfig struct {
	Script         string        `json:"script"`
	JobID          ArgDiscipline `json:"job_id"`
	Results        ArgDiscipline `json:"results"`
	ResultFilesDir ArgDiscipline `json:"result_files_dir"`
}

// SpawnLimit bounds how many workers of an image may be spawned per tick and
// in aggregate.
type SpawnLimit struct {
	PerTick int `json:"per_tick"`
	Global  int `json:"global"`
}

// OutputCollection declares where an image's results/children/tags land in
// the collaborator storage API.
type OutputCollection struct {
	ResultsBucket  string `json:"results_bucket"`
	ChildrenBucket string `json:"children_bucket"`
}

// BanKind distinguishes a generic operator ban from one synthesized by ban
// propagation.
type BanKind struct {
	Generic      *GenericBan      `json:"generic,omitempty"`
	BannedImage  *BannedImageBan  `json:"banned_image,omitempty"`
}

type GenericBan struct {
	Msg string `json:"msg"`
}

type BannedImageBan struct {
	Image string `json:"image"`
}

// Ban attaches a ban to an image or pipeline target.
type Ban struct {
	ID   string    `json:"id"`
	Time time.Time `json:"time"`
	Kind BanKind   `json:"kind"`
}

// Image is an executable unit: a containerized tool with declared inputs,
// resources, and output discipline.
type Image struct {
	Name             string           `json:"name"`
	Group            string           `json:"group"`
	ContainerRef     string           `json:"container_ref"`
	Backend          string           `json:"backend,omitempty"` // preferred backend name, if any
	Resources        resources.Resources `json:"resources"`
	Args             ArgsConfig       `json:"args"`
	Cleanup          *CleanupConfig   `json:"cleanup,omitempty"`
	SpawnLimit       SpawnLimit       `json:"spawn_limit"`
	Bans             map[string]BanKind `json:"bans,omitempty"`
	Dependencies     []string         `json:"dependencies,omitempty"`
	OutputCollection OutputCollection `json:"output_collection"`
	Generator        bool             `json:"generator,omitempty"`
	TimeoutSeconds   int              `json:"timeout_seconds,omitempty"`
}

// ID uniquely identifies an image within its group.
func (img *Image) ID() string { return img.Group + "/" + img.Name }

// Stage is one position in a pipeline's order: an unordered set of images
// that run in parallel.
type Stage struct {
	Images []string `json:"images"` // image ids
}

// Trigger is a declared rule under which the event handler creates a new
// reaction for a pipeline.
type Trigger struct {
	Kind     TriggerKind         `json:"kind"`
	Required map[string][]string `json:"required,omitempty"`
	Not      map[string][]string `json:"not,omitempty"`
}

type TriggerKind string

const (
	TriggerTag       TriggerKind = "Tag"
	TriggerNewSample TriggerKind = "NewSample"
	TriggerNewRepo   TriggerKind = "NewRepo"
)

// Pipeline is an ordered sequence of stages owned by a group.
type Pipeline struct {
	Group    string        `json:"group"`
	Name     string        `json:"name"`
	Order    []Stage       `json:"order"`
	SLA      time.Duration `json:"sla"`
	Triggers []Trigger     `json:"triggers,omitempty"`
	Bans     map[string]BanKind `json:"bans,omitempty"`
}

// ID uniquely identifies a pipeline within its group.
func (p *Pipeline) ID() string { return p.Group + "/" + p.Name }

// StageStatus is the per-stage lifecycle state of a reaction.
type StageStatus string

const (
	StageCreated   StageStatus = "Created"
	StageRunning   StageStatus = "Running"
	StageCompleted StageStatus = "Completed"
	StageFailed    StageStatus = "Failed"
	StageSleeping  StageStatus = "Sleeping"
)

// ReactionStatus is the reaction-level superstate.
type ReactionStatus string

const (
	ReactionRunning   ReactionStatus = "Running"
	ReactionCompleted ReactionStatus = "Completed"
	ReactionFailed    ReactionStatus = "Failed"
)

// WakePredicate describes what un-blocks a Sleeping stage.
type WakePredicate struct {
	AllChildrenTerminal bool      `json:"all_children_terminal,omitempty"`
	TagKey              string    `json:"tag_key,omitempty"`
	WallClock           time.Time `json:"wall_clock,omitempty"`
	Deadline            time.Time `json:"deadline"`
}

// GeneratorState tracks sub-reactions spawned by a generator image and the
// pipeline-name visited-set used to forbid recursive generator expansion.
type GeneratorState struct {
	ChildIDs     []string        `json:"child_ids"`
	PendingCount int             `json:"pending_count"`
	Visited      map[string]bool `json:"visited"` // pipeline ids in this reaction's ancestry
}

// Reaction is an instance of a pipeline applied to a sample: the unit of
// scheduling.
type Reaction struct {
	// Immutable head.
	ID             string         `json:"id"`
	Group          string         `json:"group"`
	Pipeline       string         `json:"pipeline"`
	User           string         `json:"user"`
	SampleRef      string         `json:"sample_ref"`
	CreatedAt      time.Time      `json:"created_at"`
	Deadline       time.Time      `json:"deadline"`
	ParentReaction string         `json:"parent_reaction,omitempty"`

	// Mutable body.
	StageIndex   int                       `json:"stage_index"`
	StageStatus  map[int]map[string]StageStatus `json:"stage_status"` // stage idx -> image id -> status
	RetryCount   map[int]int               `json:"retry_count"`      // stage idx -> retries used
	SleepPredicates map[int]map[string]WakePredicate `json:"sleep_predicates,omitempty"` // stage idx -> image id -> what wakes it
	Generator    *GeneratorState           `json:"generator,omitempty"`
	Tags         map[string][]string       `json:"tags,omitempty"`
	Children     []string                  `json:"children,omitempty"`
	Dangling     bool                      `json:"dangling,omitempty"`
	Status       ReactionStatus            `json:"status"`
	FailureCode  string                    `json:"failure_code,omitempty"`
	FailureMsg   string                    `json:"failure_msg,omitempty"`
}

// Worker is an ephemeral execution slot created when the scheduler asks a
// backend to spawn. Owned by the backend driver; weakly referenced by the
// ledger for accounting.
type Worker struct {
	ID               string    `json:"id"`
	Backend          string    `json:"backend"`
	Node             string    `json:"node"`
	Reserved         resources.Resources `json:"reserved"`
	ReactionID       string    `json:"reaction_id"`
	StageIdx         int       `json:"stage_idx"`
	Image            string    `json:"image"`
	ClaimToken       string    `json:"claim_token"`
	HeartbeatDeadline time.Time `json:"heartbeat_deadline"`
	SpawnedAt        time.Time `json:"spawned_at"`
}

// SpawnKey is the idempotency key backend drivers dedup spawn requests on.
type SpawnKey struct {
	ReactionID string
	StageIdx   int
	Image      string
}
