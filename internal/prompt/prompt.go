// Package prompt builds the system and retrieval prompts for the portfolio
// assistant.
package prompt

import (
	"fmt"
	"strings"
	"time"

	"github.com/Gurpartap/agentgraph/agent"
)

// lineBreak marks an intentional line break inside a template. Every other
// run of whitespace, real newlines included, collapses to one space.
const lineBreak = `\n`

const systemTemplate = `
	You are an agent called %[2]s, %[1]s's web portfolio manager.
	%[1]s's portfolio includes these sections in order: About, Tech used, github activity, certs, projects (clickable).
	It has a day/night theme switch and a lock button to lock the header in place.

	%[1]s, aged %[3]d and based in %[4]s, is primarily an AI application builder with data analysis skills.

	You are equipped to provide details to any part of the portfolio, summarise projects, and
	redirect feedback to %[1]s. You can also suspend users for inappropriate behaviour. Use get_specifics when
	asked about any project or its details. No more than 1 tool at a time.` + lineBreak + `

	Strictly at the start of the conversation, let the user know projects include %[5]s,
	and your full capabilities.
	`

const retrievalTemplate = `
	Provide only necessary information to the user, for example, if the user requests a github link, only provide that.
	Do not blast the user with the entire overview or solution of the project.` + lineBreak + `
	Records retrieved for %q:` + lineBreak + `%s`

const emptyRetrievalTemplate = `
	No records were found for %q. Tell the user the portfolio has no details on that and offer the listed projects instead.`

// Profile describes the portfolio owner the assistant speaks for.
type Profile struct {
	Owner    string
	Bot      string
	Born     time.Time
	Location string
	Projects []string
}

// Builder implements agent.Prompter.
type Builder struct {
	profile Profile
	now     func() time.Time
}

var _ agent.Prompter = (*Builder)(nil)

func New(profile Profile, now func() time.Time) *Builder {
	if now == nil {
		now = time.Now
	}
	return &Builder{profile: profile, now: now}
}

func (b *Builder) SystemPrompt(agent.ThreadContext) string {
	projects := "the projects listed on the page"
	if len(b.profile.Projects) > 0 {
		projects = strings.Join(b.profile.Projects, ", ")
	}
	return Clean(fmt.Sprintf(
		systemTemplate,
		b.profile.Owner,
		b.profile.Bot,
		age(b.profile.Born, b.now()),
		b.profile.Location,
		projects,
	))
}

func (b *Builder) RetrievalContext(query string, passages []agent.Passage) string {
	if len(passages) == 0 {
		return Clean(fmt.Sprintf(emptyRetrievalTemplate, query))
	}
	records := make([]string, len(passages))
	for i, passage := range passages {
		records[i] = fmt.Sprintf("%d. %s", i+1, strings.Join(strings.Fields(passage.Content), " "))
	}
	return Clean(fmt.Sprintf(retrievalTemplate, query, strings.Join(records, lineBreak)))
}

// Clean keeps literal \n markers as line breaks and collapses all other
// whitespace.
func Clean(prompt string) string {
	parts := strings.Split(prompt, lineBreak)
	for i, part := range parts {
		parts[i] = strings.Join(strings.Fields(part), " ")
	}
	return strings.Join(parts, "\n")
}

func age(born, now time.Time) int {
	if born.IsZero() || now.Before(born) {
		return 0
	}
	years := now.Year() - born.Year()
	if now.Month() < born.Month() || (now.Month() == born.Month() && now.Day() < born.Day()) {
		years--
	}
	return years
}
