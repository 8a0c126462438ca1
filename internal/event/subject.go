package event

// SubjectKind tags the concrete type behind a polymorphic event subject.
type SubjectKind string

const (
	KindNote       SubjectKind = "note"
	KindDecision   SubjectKind = "decision"
	KindCommitment SubjectKind = "commitment"
	KindOption     SubjectKind = "option"
)

// Subject is the polymorphic entity an event is about. Title and Text
// return the display strings the renderer exposes as subject.title and
// subject.text; each concrete type applies its own extraction priority.
type Subject interface {
	Kind() SubjectKind
	SubjectID() string
	Path() string
	Title() string
	Text() string
	CreatedBy() string
}

// Note is a freeform text entry authored in a studio.
type Note struct {
	ID        string
	NotePath  string
	NoteTitle string
	NoteText  string
	AuthorID  string
}

func (n Note) Kind() SubjectKind { return KindNote }
func (n Note) SubjectID() string { return n.ID }
func (n Note) Path() string      { return n.NotePath }
func (n Note) Title() string     { return n.NoteTitle }
func (n Note) Text() string      { return n.NoteText }
func (n Note) CreatedBy() string { return n.AuthorID }

// Decision is a question the studio resolves by voting on options.
// Its display title is the question; the description is its text.
type Decision struct {
	ID           string
	DecisionPath string
	Question     string
	Description  string
	AuthorID     string
}

func (d Decision) Kind() SubjectKind { return KindDecision }
func (d Decision) SubjectID() string { return d.ID }
func (d Decision) Path() string      { return d.DecisionPath }
func (d Decision) Title() string     { return d.Question }
func (d Decision) Text() string      { return d.Description }
func (d Decision) CreatedBy() string { return d.AuthorID }

// Commitment is a critical-mass pledge ("I will if N others will").
type Commitment struct {
	ID             string
	CommitmentPath string
	CommitmentName string
	Description    string
	AuthorID       string
}

func (c Commitment) Kind() SubjectKind { return KindCommitment }
func (c Commitment) SubjectID() string { return c.ID }
func (c Commitment) Path() string      { return c.CommitmentPath }
func (c Commitment) Title() string     { return c.CommitmentName }
func (c Commitment) Text() string      { return c.Description }
func (c Commitment) CreatedBy() string { return c.AuthorID }

// Option is one voteable answer attached to a decision.
type Option struct {
	ID         string
	OptionPath string
	OptionName string
	AuthorID   string
}

func (o Option) Kind() SubjectKind { return KindOption }
func (o Option) SubjectID() string { return o.ID }
func (o Option) Path() string      { return o.OptionPath }
func (o Option) Title() string     { return o.OptionName }
func (o Option) Text() string      { return "" }
func (o Option) CreatedBy() string { return o.AuthorID }
