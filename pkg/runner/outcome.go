package runner

// outcomeKind tags the result of executing one node. Modeling this as a
// variant instead of exception-style control flow keeps the state machine
// auditable: intentional pausing never travels the same path as a real
// error.
type outcomeKind int

const (
	outcomeContinue outcomeKind = iota
	outcomeSuspended
	outcomeCompleted
	outcomeFailed
)

type stepOutcome struct {
	kind     outcomeKind
	nextNode string         // outcomeContinue
	data     map[string]any // updated run data, when it changed
	errKind  string         // outcomeFailed
	err      error          // outcomeFailed
}

func continueAt(nextNode string, data map[string]any) stepOutcome {
	return stepOutcome{kind: outcomeContinue, nextNode: nextNode, data: data}
}

func suspended(data map[string]any) stepOutcome {
	return stepOutcome{kind: outcomeSuspended, data: data}
}

func completed(data map[string]any) stepOutcome {
	return stepOutcome{kind: outcomeCompleted, data: data}
}

func failed(errKind string, err error) stepOutcome {
	return stepOutcome{kind: outcomeFailed, errKind: errKind, err: err}
}
