package maintenance

// Maintenance actions accepted by Run.
const (
	ActionRefreshMetadata        = "refresh-metadata"
	ActionVerifyFiles            = "verify-files"
	ActionRedownloadMismatched   = "redownload-mismatched"
	ActionRedownloadSingle       = "redownload-single"
	ActionFindDerivatives        = "find-derivatives"
	ActionRemoveDerivatives      = "remove-derivatives"
	ActionRemoveSingleDerivative = "remove-single-derivative"
)

// IssueType classifies a finding.
type IssueType string

const (
	IssueMissingFile    IssueType = "missing-file"
	IssueCorruptedFile  IssueType = "corrupted-file"
	IssueUnreadableFile IssueType = "unreadable-file"
	IssueDerivativeFile IssueType = "derivative-file"
	IssueMetadata       IssueType = "metadata-error"
	IssueActionFailed   IssueType = "action-failed"
)

// Issue is one finding of a maintenance pass. Issues returned by one pass
// can be fed back into the redownload and remove actions.
type Issue struct {
	Type         IssueType `json:"type"`
	Identifier   string    `json:"identifier"`
	Title        string    `json:"title,omitempty"`
	Folder       string    `json:"folder,omitempty"`
	MediaType    string    `json:"mediaType,omitempty"`
	Filename     string    `json:"filename,omitempty"`
	Path         string    `json:"path,omitempty"`
	HashType     string    `json:"hashType,omitempty"`
	Expected     string    `json:"expected,omitempty"`
	Actual       string    `json:"actual,omitempty"`
	Size         int64     `json:"size,omitempty"`
	Source       string    `json:"source,omitempty"`
	Original     string    `json:"original,omitempty"`
	IsDerivative bool      `json:"isDerivative,omitempty"`
	Message      string    `json:"message,omitempty"`
}

// Request is a maintenance command.
type Request struct {
	Action      string  `json:"action"`
	Identifier  string  `json:"identifier,omitempty"`
	Filename    string  `json:"filename,omitempty"`
	CheckHashes *bool   `json:"checkHashes,omitempty"`
	Issues      []Issue `json:"issues,omitempty"`
}

// Result is the outcome of a maintenance command. Success is false only
// when the command could not run at all; per-file problems are reported
// as issues.
type Result struct {
	Success bool    `json:"success"`
	Message string  `json:"message"`
	Issues  []Issue `json:"issues"`
}

func issueCounts(issues []Issue) map[string]int {
	counts := make(map[string]int)
	for _, is := range issues {
		counts[string(is.Type)]++
	}
	return counts
}
