package jobs

import (
	"fmt"
	"regexp"
)

const (
	jobKeyPrefix = "import:"
)

var jobIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.-]{0,127}$`)

// Signal は一度だけ立つシグナルキーの名前です。
type Signal string

const (
	SignalStarted           Signal = "started"
	SignalInitFinished      Signal = "init_finished"
	SignalFinalStageStarted Signal = "final_stage_started"
	SignalInfo              Signal = "info"
	SignalFinalize          Signal = "finalize"
)

// Keys はジョブID単位のストアキー一覧です。
type Keys struct {
	JobID             string
	Lock              string
	Progress          string
	Started           string
	InitFinished      string
	FinalStageStarted string
	Info              string
	Finalize          string
	Error             string
}

// KeysFor は jobID に対応するキーを返します。
func KeysFor(jobID string) (Keys, error) {
	if err := ValidateJobID(jobID); err != nil {
		return Keys{}, err
	}
	base := jobKeyPrefix + jobID + ":"
	return Keys{
		JobID:             jobID,
		Lock:              base + "lock",
		Progress:          base + "progress",
		Started:           base + string(SignalStarted),
		InitFinished:      base + string(SignalInitFinished),
		FinalStageStarted: base + string(SignalFinalStageStarted),
		Info:              base + string(SignalInfo),
		Finalize:          base + string(SignalFinalize),
		Error:             base + "error",
	}, nil
}

// ValidateJobID はジョブIDがキーに埋め込める形式かどうかを検証します。
func ValidateJobID(jobID string) error {
	if !jobIDPattern.MatchString(jobID) {
		return fmt.Errorf("%w: %q", ErrInvalidJobID, jobID)
	}
	return nil
}

// Signal はシグナル名に対応するキーを返します。
func (k Keys) Signal(s Signal) (string, error) {
	switch s {
	case SignalStarted:
		return k.Started, nil
	case SignalInitFinished:
		return k.InitFinished, nil
	case SignalFinalStageStarted:
		return k.FinalStageStarted, nil
	case SignalInfo:
		return k.Info, nil
	case SignalFinalize:
		return k.Finalize, nil
	}
	return "", fmt.Errorf("unknown signal: %q", s)
}

// stageSignal は段階に入ったことを示すシグナルキーを返します。
// Init の完了は Running への遷移で示します。
func (k Keys) stageSignal(stage Stage) string {
	switch stage {
	case StageRunning:
		return k.InitFinished
	case StageFinalStage:
		return k.FinalStageStarted
	}
	return ""
}

// runScoped は実行ごとに作り直されるキーです（ロックを除く）。
func (k Keys) runScoped() []string {
	return []string{k.Progress, k.Started, k.InitFinished, k.FinalStageStarted, k.Info, k.Finalize, k.Error}
}

// all は Reset で削除するすべてのキーです。
func (k Keys) all() []string {
	return append([]string{k.Lock}, k.runScoped()...)
}
