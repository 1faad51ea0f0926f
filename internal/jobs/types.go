package jobs

import (
	"encoding/json"
	"fmt"
)

// Stage はインポート実行の段階を表します。前方向にのみ遷移します。
type Stage int

const (
	StageIdle Stage = iota
	StageInit
	StageRunning
	StageFinalStage
	StageFinished
)

// 各段階で公開されるメッセージです。
const (
	MessageInit            = "Initialization"
	MessageRunning         = "Import process is running"
	MessageFinalStage      = "Final stage"
	DefaultFinishedMessage = "Almost done, please click to the `finish` button to proceed"
)

var stageNames = map[Stage]string{
	StageIdle:       "idle",
	StageInit:       "init",
	StageRunning:    "running",
	StageFinalStage: "final_stage",
	StageFinished:   "finished",
}

func (s Stage) String() string {
	if name, ok := stageNames[s]; ok {
		return name
	}
	return fmt.Sprintf("stage(%d)", int(s))
}

// ParseStage は文字列表現から Stage を取得します。
func ParseStage(name string) (Stage, error) {
	for stage, n := range stageNames {
		if n == name {
			return stage, nil
		}
	}
	return StageIdle, fmt.Errorf("unknown stage: %q", name)
}

// flags はシリアライズ境界でのみ使う真偽値表現を返します。
func (s Stage) flags() (isInit, running, finished bool) {
	switch s {
	case StageInit:
		return true, true, false
	case StageRunning, StageFinalStage:
		return false, true, false
	case StageFinished:
		return false, false, true
	}
	return false, false, false
}

// Snapshot は任意のプロセスから読み取れる進捗情報です。
// 公開後は変更しません。
type Snapshot struct {
	Stage      Stage
	Message    string
	Processed  int
	Remains    int
	Percentage float64
	// Result は Finished のときだけ設定されるインポート結果です。
	Result json.RawMessage
}

// NewSnapshot は件数から割合を計算して Snapshot を作成します。
func NewSnapshot(stage Stage, message string, processed, remains int) Snapshot {
	return Snapshot{
		Stage:      stage,
		Message:    message,
		Processed:  processed,
		Remains:    remains,
		Percentage: percentage(stage, processed, remains),
	}
}

// InitSnapshot はロック取得直後の Snapshot を返します。
func InitSnapshot() Snapshot {
	return NewSnapshot(StageInit, MessageInit, 0, 0)
}

func percentage(stage Stage, processed, remains int) float64 {
	if total := processed + remains; total > 0 {
		return float64(processed) / float64(total) * 100
	}
	switch stage {
	case StageFinalStage, StageFinished:
		return 100
	}
	return 0
}

// Init は init フラグの値を返します。
func (s Snapshot) Init() bool {
	isInit, _, _ := s.Stage.flags()
	return isInit
}

// Running は running フラグの値を返します。
func (s Snapshot) Running() bool {
	_, running, _ := s.Stage.flags()
	return running
}

// Finished は finished フラグの値を返します。
func (s Snapshot) Finished() bool {
	_, _, finished := s.Stage.flags()
	return finished
}

// Validate は公開可能な Snapshot かどうかを検証します。
func (s Snapshot) Validate() error {
	if s.Stage <= StageIdle || s.Stage > StageFinished {
		return fmt.Errorf("snapshot has no publishable stage: %s", s.Stage)
	}
	if s.Processed < 0 || s.Remains < 0 {
		return fmt.Errorf("snapshot counts must be non-negative: processed=%d remains=%d", s.Processed, s.Remains)
	}
	if len(s.Result) > 0 && s.Stage != StageFinished {
		return fmt.Errorf("result is only allowed on the finished stage")
	}
	return nil
}

type wireSnapshot struct {
	Data wireData `json:"data"`
	Meta wireMeta `json:"meta"`
}

type wireData struct {
	Message string          `json:"message"`
	Result  json.RawMessage `json:"result,omitempty"`
}

type wireMeta struct {
	Stage      string  `json:"stage,omitempty"`
	Finished   bool    `json:"finished"`
	Init       bool    `json:"init"`
	Running    bool    `json:"running"`
	Processed  int     `json:"processed"`
	Remains    int     `json:"remains"`
	Percentage float64 `json:"percentage"`
}

// MarshalJSON は {data:{message}, meta:{...}} 形式で出力します。
func (s Snapshot) MarshalJSON() ([]byte, error) {
	isInit, running, finished := s.Stage.flags()
	return json.Marshal(wireSnapshot{
		Data: wireData{
			Message: s.Message,
			Result:  s.Result,
		},
		Meta: wireMeta{
			Stage:      s.Stage.String(),
			Finished:   finished,
			Init:       isInit,
			Running:    running,
			Processed:  s.Processed,
			Remains:    s.Remains,
			Percentage: s.Percentage,
		},
	})
}

// UnmarshalJSON は wire 形式を読み込み、フラグと段階の整合性を検証します。
// meta.stage が無い場合はフラグとメッセージから段階を推定します。
func (s *Snapshot) UnmarshalJSON(data []byte) error {
	var w wireSnapshot
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}

	var stage Stage
	if w.Meta.Stage != "" {
		parsed, err := ParseStage(w.Meta.Stage)
		if err != nil {
			return err
		}
		stage = parsed
	} else {
		stage = inferStage(w.Meta, w.Data.Message)
	}

	isInit, running, finished := stage.flags()
	if isInit != w.Meta.Init || running != w.Meta.Running || finished != w.Meta.Finished {
		return fmt.Errorf("snapshot flags contradict stage %s: init=%t running=%t finished=%t",
			stage, w.Meta.Init, w.Meta.Running, w.Meta.Finished)
	}

	*s = Snapshot{
		Stage:      stage,
		Message:    w.Data.Message,
		Processed:  w.Meta.Processed,
		Remains:    w.Meta.Remains,
		Percentage: w.Meta.Percentage,
		Result:     w.Data.Result,
	}
	return s.Validate()
}

func inferStage(meta wireMeta, message string) Stage {
	switch {
	case meta.Init:
		return StageInit
	case meta.Finished:
		return StageFinished
	case meta.Running && message == MessageFinalStage:
		return StageFinalStage
	case meta.Running:
		return StageRunning
	}
	return StageIdle
}
