package prompt_test

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/unpod/corertc/runtime/prompt"
)

func TestCompose_SectionOrder(t *testing.T) {
	out := prompt.Compose(prompt.Inputs{
		AgentName:   "Nova",
		CompanyName: "Acme",
		Tone:        prompt.ToneCasual,
		Outbound:    true,
		Sales:       true,
		Booking:     true,
		LanguageCode: "hi",
		MemoryEnabled:   true,
		FollowUpEnabled: true,
	})

	identityIdx := strings.Index(out, "You are Nova")
	voiceRulesIdx := strings.Index(out, "Speak in short")
	sttIdx := strings.Index(out, "mishearings")
	refIdx := strings.Index(out, "Reference material")
	supportIdx := strings.Index(out, "customer support")
	outboundIdx := strings.Index(out, "outbound call")
	salesIdx := strings.Index(out, "products or offers")
	bookingIdx := strings.Index(out, "schedule something")
	multilingualIdx := strings.Index(out, "caller's language")
	toneIdx := strings.Index(out, "conversational")
	memoryIdx := strings.Index(out, "prior conversations")
	followUpIdx := strings.Index(out, "best time to reach")

	for _, idx := range []int{identityIdx, voiceRulesIdx, sttIdx, refIdx, supportIdx, outboundIdx, salesIdx, bookingIdx, multilingualIdx, toneIdx, memoryIdx, followUpIdx} {
		require.GreaterOrEqual(t, idx, 0)
	}
	require.Less(t, identityIdx, voiceRulesIdx)
	require.Less(t, voiceRulesIdx, sttIdx)
	require.Less(t, sttIdx, refIdx)
	require.Less(t, refIdx, supportIdx)
	require.Less(t, supportIdx, outboundIdx)
	require.Less(t, outboundIdx, salesIdx)
	require.Less(t, salesIdx, bookingIdx)
	require.Less(t, bookingIdx, multilingualIdx)
	require.Less(t, multilingualIdx, toneIdx)
	require.Less(t, toneIdx, memoryIdx)
	require.Less(t, memoryIdx, followUpIdx)
}

func TestCompose_StrictScriptSuppressesVoiceRulesOnly(t *testing.T) {
	out := prompt.Compose(prompt.Inputs{
		AgentName:    "Nova",
		CompanyName:  "Acme",
		StrictScript: true,
	})

	require.NotContains(t, out, "Speak in short")
	require.Contains(t, out, "mishearings")
}

func TestCompose_EnglishOmitsMultilingualFragment(t *testing.T) {
	out := prompt.Compose(prompt.Inputs{AgentName: "Nova", CompanyName: "Acme", LanguageCode: "en"})
	require.NotContains(t, out, "caller's language")
}

func TestCompose_PersonaOmittedWhenEmpty(t *testing.T) {
	out := prompt.Compose(prompt.Inputs{AgentName: "Nova", CompanyName: "Acme"})
	require.NotContains(t, out, "Business context")
}

func TestCompose_PersonaIncludedWhenPresent(t *testing.T) {
	out := prompt.Compose(prompt.Inputs{AgentName: "Nova", CompanyName: "Acme", CustomPersona: "We sell artisanal coffee."})
	require.Contains(t, out, "Business context")
	require.Contains(t, out, "artisanal coffee")
}
