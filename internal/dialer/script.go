package dialer

import (
	"fmt"
	"regexp"
	"strings"

	"outbound-caller/internal/calls"
)

const defaultBotName = "Julia"

type placeholder struct {
	re    *regexp.Regexp
	value func(ct calls.Contact, cp calls.Campaign) string
}

func literal(s string) *regexp.Regexp { return regexp.MustCompile(regexp.QuoteMeta(s)) }

// bracket matches [Words Like This] with any spacing and case.
func bracket(words ...string) *regexp.Regexp {
	return regexp.MustCompile(`(?i)\[\s*` + strings.Join(words, `\s*`) + `\s*\]`)
}

func botName(cp calls.Campaign) string {
	if cp.BotName != "" {
		return cp.BotName
	}
	return defaultBotName
}

var placeholders = []placeholder{
	{literal("{{contact.first_name}}"), func(ct calls.Contact, _ calls.Campaign) string { return ct.FirstName }},
	{literal("{{contact.last_name}}"), func(ct calls.Contact, _ calls.Campaign) string { return ct.LastName }},
	{literal("{{contact.name}}"), func(ct calls.Contact, _ calls.Campaign) string { return ct.FullName() }},
	{literal("{{contact.phone}}"), func(ct calls.Contact, _ calls.Campaign) string { return ct.Phone }},
	{literal("{{contact.email}}"), func(ct calls.Contact, _ calls.Campaign) string { return ct.Email }},
	{literal("{{contact.property_address}}"), func(ct calls.Contact, _ calls.Campaign) string { return ct.PropertyAddress }},
	{literal("{{contact.notes}}"), func(ct calls.Contact, _ calls.Campaign) string { return ct.Notes }},
	{literal("{{campaign.name}}"), func(_ calls.Contact, cp calls.Campaign) string { return cp.Name }},
	{literal("{{bot_name}}"), func(_ calls.Contact, cp calls.Campaign) string { return botName(cp) }},
	{literal("{{callback_phone}}"), func(_ calls.Contact, cp calls.Campaign) string { return cp.CallbackPhone }},

	// Order matters: the longer owner forms go before [Name].
	{bracket("Owner", "First", "Name"), func(ct calls.Contact, _ calls.Campaign) string { return ct.FirstName }},
	{bracket("Owner", "Last", "Name"), func(ct calls.Contact, _ calls.Campaign) string { return ct.LastName }},
	{bracket("Owner", "Name"), func(ct calls.Contact, _ calls.Campaign) string { return ct.FullName() }},
	{bracket("First", "Name"), func(ct calls.Contact, _ calls.Campaign) string { return ct.FirstName }},
	{bracket("Last", "Name"), func(ct calls.Contact, _ calls.Campaign) string { return ct.LastName }},
	{bracket("Full", "Name"), func(ct calls.Contact, _ calls.Campaign) string { return ct.FullName() }},
	{bracket("Property", "Address"), func(ct calls.Contact, _ calls.Campaign) string { return ct.PropertyAddress }},
	{bracket("Phone"), func(ct calls.Contact, _ calls.Campaign) string { return ct.Phone }},
	{bracket("Email"), func(ct calls.Contact, _ calls.Campaign) string { return ct.Email }},
	{bracket("(?:Your|Bot|Agent|AI)", "Name"), func(_ calls.Contact, cp calls.Campaign) string { return botName(cp) }},
	{bracket("Name"), func(_ calls.Contact, cp calls.Campaign) string { return botName(cp) }},
}

// Stage directions the assistant must never read out.
var stageDirections = regexp.MustCompile(`(?i)\(Pause\s+(?:for|and)\s+(?:confirmation|allow\s+response|response|confirm)[^)]*\)|do\s+NOT\s+say\s+this\s+out\s+loud`)

// Personalize fills contact and campaign placeholders in a script.
func Personalize(text string, ct calls.Contact, cp calls.Campaign) string {
	if text == "" {
		return ""
	}
	for _, ph := range placeholders {
		v := ph.value(ct, cp)
		text = ph.re.ReplaceAllLiteralString(text, v)
	}
	return stageDirections.ReplaceAllString(text, "")
}

// PersonalizedScript builds the per-call assistant script. A short identity
// preamble keeps the assistant from confusing its own name with the lead's.
func PersonalizedScript(ct calls.Contact, cp calls.Campaign) (instructions, greeting string) {
	instructions = Personalize(cp.Instructions, ct, cp)
	greeting = Personalize(cp.Greeting, ct, cp)
	if name := ct.FullName(); name != "" {
		bot := botName(cp)
		preamble := fmt.Sprintf("## YOUR IDENTITY & THIS CALL\nYour name is %s. Always refer to yourself as %s.\n"+
			"The person you are calling is: %q (first name: %q, last name: %q).\nYou are %s, you are NOT %s.\n\n",
			bot, bot, name, ct.FirstName, ct.LastName, bot, name)
		instructions = preamble + instructions
	}
	return instructions, greeting
}

// contactVariables are exposed to the assistant as dynamic variables.
func contactVariables(ct calls.Contact) map[string]string {
	return map[string]string{
		"first_name":       ct.FirstName,
		"last_name":        ct.LastName,
		"phone":            ct.Phone,
		"email":            ct.Email,
		"property_address": ct.PropertyAddress,
		"notes":            ct.Notes,
	}
}
