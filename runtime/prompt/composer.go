// Package prompt deterministically assembles the system prompt handed to
// the LLM provider for a voice session, following the fixed section order
// spec.md §4.4 mandates.
package prompt

import (
	"fmt"
	"strings"
)

// Tone selects the closing tone modifier fragment.
type Tone string

const (
	ToneProfessional Tone = "professional"
	ToneCasual       Tone = "casual"
)

// Inputs carries everything the composer needs to assemble one prompt.
type Inputs struct {
	AgentName      string
	CompanyName    string
	CurrentDTime   string // formatted by the caller; empty omits the line
	CustomPersona  string
	Tone           Tone
	StrictScript   bool
	LanguageCode   string // IETF tag, e.g. "en", "hi", "es"
	Outbound       bool
	Sales          bool
	Booking        bool
	MemoryEnabled  bool
	FollowUpEnabled bool
}

// Compose builds the prompt text: sections joined by a blank line, in the
// fixed order identity → custom persona → voice rules (suppressed in
// strict-script mode) → STT-error-handling (always included) →
// reference-context-handling → pattern fragments → tone modifier →
// optional memory/follow-up fragments.
func Compose(in Inputs) string {
	var sections []string

	sections = append(sections, identitySection(in))

	if strings.TrimSpace(in.CustomPersona) != "" {
		sections = append(sections, personaSection(in.CustomPersona))
	}

	if !in.StrictScript {
		sections = append(sections, voiceRulesFragment)
	}

	sections = append(sections, sttErrorHandlingFragment)
	sections = append(sections, referenceContextFragment)

	sections = append(sections, supportFragment)
	if in.Outbound {
		sections = append(sections, outboundFragment)
	}
	if in.Sales {
		sections = append(sections, salesFragment)
	}
	if in.Booking {
		sections = append(sections, bookingFragment)
	}
	if !isEnglish(in.LanguageCode) {
		sections = append(sections, multilingualFragment)
	}

	sections = append(sections, toneFragment(in.Tone))

	if in.MemoryEnabled {
		sections = append(sections, memoryFragment)
	}
	if in.FollowUpEnabled {
		sections = append(sections, followUpFragment)
	}

	return strings.Join(sections, "\n\n")
}

func identitySection(in Inputs) string {
	line := fmt.Sprintf("You are %s, the voice assistant for %s.", in.AgentName, in.CompanyName)
	if in.CurrentDTime != "" {
		line += fmt.Sprintf(" The current date and time is %s.", in.CurrentDTime)
	}
	return line
}

func personaSection(persona string) string {
	return "Business context:\n" + strings.TrimSpace(persona)
}

func isEnglish(languageCode string) bool {
	code := strings.ToLower(strings.TrimSpace(languageCode))
	return code == "" || code == "en" || strings.HasPrefix(code, "en-")
}

func toneFragment(tone Tone) string {
	if tone == ToneCasual {
		return casualToneFragment
	}
	return professionalToneFragment
}

const voiceRulesFragment = `Speak in short, natural sentences suited for a phone call. ` +
	`Never read out punctuation, markdown, or formatting artifacts. ` +
	`Pause for the caller to respond before continuing to a new topic.`

const sttErrorHandlingFragment = `The caller's speech is transcribed in real time and may contain ` +
	`mishearings, dropped words, or garbled phrases. When a transcript looks wrong for the ` +
	`context, ask a brief clarifying question instead of guessing.`

const referenceContextFragment = `Reference material may be supplied below as retrieved context. ` +
	`Use it to answer factual questions; never state that you consulted a document or database.`

const supportFragment = `Your primary role is customer support: answer questions accurately, ` +
	`resolve the caller's issue, and escalate to a human agent when you cannot help.`

const outboundFragment = `This is an outbound call you initiated. Open by identifying yourself and ` +
	`the company, state the reason for the call concisely, and confirm you're speaking to the right person.`

const salesFragment = `When appropriate, highlight relevant products or offers, but never pressure ` +
	`the caller; respect a "not interested" and move to close the call politely.`

const bookingFragment = `When the caller wants to schedule something, collect the needed details ` +
	`(date, time, service, contact info) and confirm the booking back to them before ending the call.`

const multilingualFragment = `Respond in the caller's language. If the caller switches languages mid-call, ` +
	`switch with them.`

const professionalToneFragment = `Maintain a professional, courteous tone throughout the call.`

const casualToneFragment = `Keep the tone warm and conversational, like a helpful coworker.`

const memoryFragment = `You may be given a summary of prior conversations with this caller. ` +
	`Use it for continuity but don't recite it verbatim.`

const followUpFragment = `If the caller needs a follow-up call, confirm the best time to reach them ` +
	`before ending the call.`
