package core

// searchState 故障转移搜索的状态
type searchState int

const (
	stateTryModel searchState = iota
	stateTryCredential
	stateRotate
	stateNextModel
	stateSuccess
	stateTerminalFailure
)

func (s searchState) String() string {
	switch s {
	case stateTryModel:
		return "TryModel"
	case stateTryCredential:
		return "TryCredential"
	case stateRotate:
		return "Rotate"
	case stateNextModel:
		return "NextModel"
	case stateSuccess:
		return "Success"
	case stateTerminalFailure:
		return "TerminalFailure"
	default:
		return "Invalid"
	}
}

// transitionInput 状态转移所需的输入
type transitionInput struct {
	modelsLeft bool         // TryModel: 还有未尝试的模型
	succeeded  bool         // TryCredential: 本次尝试成功
	class      FailureClass // TryCredential: 失败类别
	budgetLeft bool         // Rotate: 当前模型还有剩余尝试次数
}

// nextState 状态转移表
//
//	TryModel      --有模型-->          TryCredential
//	TryModel      --模型用尽-->        TerminalFailure
//	TryCredential --成功-->            Success
//	TryCredential --quota-->           Rotate
//	TryCredential --unavailable/unknown--> NextModel
//	Rotate        --有剩余次数-->      TryCredential
//	Rotate        --次数用尽-->        NextModel
//	NextModel     -->                  TryModel
//
// Success / TerminalFailure 为终态
func nextState(s searchState, in transitionInput) searchState {
	switch s {
	case stateTryModel:
		if in.modelsLeft {
			return stateTryCredential
		}
		return stateTerminalFailure
	case stateTryCredential:
		if in.succeeded {
			return stateSuccess
		}
		if in.class.CredentialScoped() {
			return stateRotate
		}
		return stateNextModel
	case stateRotate:
		if in.budgetLeft {
			return stateTryCredential
		}
		return stateNextModel
	case stateNextModel:
		return stateTryModel
	default:
		return s
	}
}

// fallbackSearch 单次调用的搜索游标（每次请求一个实例，不共享）
type fallbackSearch struct {
	models   []string
	modelIdx int
	tries    int // 当前模型已尝试次数
	budget   int // 每个模型最多尝试次数 = Key 数量
	attempts []AttemptError
}

func newFallbackSearch(models []string, credentialCount int) *fallbackSearch {
	return &fallbackSearch{
		models: models,
		budget: credentialCount,
	}
}

func (s *fallbackSearch) modelsLeft() bool { return s.modelIdx < len(s.models) }

func (s *fallbackSearch) model() string { return s.models[s.modelIdx] }

func (s *fallbackSearch) budgetLeft() bool { return s.tries < s.budget }

func (s *fallbackSearch) enterModel() { s.tries = 0 }

func (s *fallbackSearch) advanceModel() { s.modelIdx++ }

func (s *fallbackSearch) record(a AttemptError) {
	s.tries++
	s.attempts = append(s.attempts, a)
}

func (s *fallbackSearch) failure() *TerminalFailure {
	return &TerminalFailure{Attempts: s.attempts}
}
