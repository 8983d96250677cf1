package email

import (
	"context"
	"fmt"
)

// Sender delivers verification codes.
type Sender interface {
	SendCode(ctx context.Context, to string, code uint64) error
}

const codeSubject = "Gryphon Racing Discord verification code"

func codeBodies(code uint64) (text, html string) {
	text = fmt.Sprintf("Your Discord verification code is %d.\n\n"+
		"Reply to the bot's direct message with this code. It expires in 5 minutes.\n"+
		"Do not share this code with anyone else.", code)
	html = fmt.Sprintf(`<p>Your Discord verification code is</p><p style="font-size:24px"><strong>%d</strong></p>`+
		`<p>Reply to the bot's direct message with this code. It expires in 5 minutes.</p>`+
		`<p>Do not share this code with anyone else.</p>`, code)
	return text, html
}
