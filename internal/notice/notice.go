package notice

import (
	"fmt"
	"strings"

	"github.com/gryphonracing/rosterlink/internal/model"
)

// Field is one labelled line of a notice.
type Field struct {
	Name  string
	Value string
}

// Notice is a user-facing message. Render flattens it to the text sent as a
// direct message.
type Notice struct {
	Title  string
	Body   string
	Fields []Field
}

// Render returns the notice as markdown-flavoured plain text.
func (n Notice) Render() string {
	var b strings.Builder
	if n.Title != "" {
		fmt.Fprintf(&b, "**%s**\n", n.Title)
	}
	b.WriteString(n.Body)
	for _, f := range n.Fields {
		fmt.Fprintf(&b, "\n- **%s**: %s", f.Name, f.Value)
	}
	return strings.TrimSpace(b.String())
}

const escalation = "If any of the below issues have not been resolved within 48 hours, please contact a Bot Developer."

var criterionFields = map[model.Criterion]Field{
	model.CriterionUnpaid:      {"Not paid", "You have not paid the club fee."},
	model.CriterionNotInRoster: {"Not in roster", "You are not on the club roster yet."},
	model.CriterionMissingName: {"No name", "Your name has not been registered yet."},
}

// ErrorFields itemizes the roster criteria the record fails. Every path that
// explains a missing role uses it so members see the same wording.
func ErrorFields(r *model.VerificationRecord) []Field {
	missing := model.MissingCriteria(r)
	fields := make([]Field, 0, len(missing))
	for _, c := range missing {
		fields = append(fields, criterionFields[c])
	}
	return fields
}

// CriteriaUnmet is sent when a correct code arrives for a record that would
// not be eligible once linked.
func CriteriaUnmet(r *model.VerificationRecord) Notice {
	return Notice{Body: escalation, Fields: ErrorFields(r)}
}

// RoleRemoved tells a member why reconciliation took the role away.
func RoleRemoved(r *model.VerificationRecord) Notice {
	n := Notice{Title: "Role removed", Body: "Your verification role is now removed. " + escalation}
	if r == nil {
		n.Fields = []Field{{"Not in system", "You are not registered in our verification system."}}
		return n
	}
	n.Fields = ErrorFields(r)
	return n
}

func RoleAdded() Notice {
	return Notice{Title: "Role added", Body: "Your verification role is now added. Welcome to the server."}
}

func Welcome(domain string) Notice {
	return Notice{
		Title: "Welcome",
		Body: fmt.Sprintf("To get verified, reply to this message with your `@%s` email address. "+
			"We will email you a **7 digit** code to send back here.", domain),
	}
}

func CodeSent(email string) Notice {
	return Notice{
		Body: fmt.Sprintf("We have sent an email to you at `%s` containing your **7 digit** verification code. "+
			"Please respond back with the code. **Do not share this code with anyone else.**", email),
		Fields: []Field{{"Cancelling verification session", "To cancel the current verification session, type `quit`."}},
	}
}

func InvalidEmail() Notice {
	return Notice{Body: "Invalid email sent."}
}

func WrongDomain(domain, got string) Notice {
	return Notice{Body: fmt.Sprintf("Expected a `@%s` email address, got: %s", domain, got)}
}

func NotOnRoster() Notice {
	return Notice{Body: "This email is not registered yet. If this problem persists beyond 48 hours, please contact a Bot Developer."}
}

func AlreadyRegistered() Notice {
	return Notice{Body: "This email is already registered."}
}

func EmailFailed() Notice {
	return Notice{Body: "We could not send the verification email. Type `quit` and try again."}
}

func InvalidCode() Notice {
	return Notice{Body: "Please submit a valid verification code."}
}

func IncorrectCode() Notice {
	return Notice{Body: "Incorrect code."}
}

func Expired() Notice {
	return Notice{Body: "Expired verification session. Please re-submit your email."}
}

func Cancelled() Notice {
	return Notice{Body: "Verification session cancelled."}
}

func NoActiveSession() Notice {
	return Notice{Body: "No active verification session found."}
}

func NotMember() Notice {
	return Notice{Body: "You are not in the club server."}
}

func Verified() Notice {
	return Notice{Body: "You have been verified successfully. Welcome to the team!"}
}

func TryAgainLater() Notice {
	return Notice{Body: "Something went wrong on our side. Please try again later."}
}

// Announcement is the log channel line for a completed link.
func Announcement(accountID uint64) string {
	return fmt.Sprintf("<@%d> has been verified.", accountID)
}
