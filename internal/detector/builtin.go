package detector

import "regexp"

// BuiltinLibrary returns the default pattern set used when no pattern
// directory is configured. Most-specific patterns carry the lowest
// priorities; first match wins.
func BuiltinLibrary() *Library {
	mk := func(name string, kind PromptKind, priority int, rule, expr string) Pattern {
		return Pattern{
			Name:       name,
			Kind:       kind,
			Priority:   priority,
			OptionRule: rule,
			re:         regexp.MustCompile(expr),
		}
	}
	return NewLibrary([]Pattern{
		mk("workspace-trust", KindTrustWorkspace, 10, RuleYesNo,
			`(?i)do you trust (the files in )?this (workspace|folder|directory)\b`),
		mk("login-method", KindLogin, 15, RuleNone,
			`(?i)(select login method|log ?in with your|paste (the )?code here|sign ?in to continue)`),
		mk("binary-yes-no-menu", KindBinarySelection, 20, RuleNumbered,
			`(?is)1[.)] ?(yes|allow|approve)[^\n]*\n[^\n]*2[.)] ?(no|deny|reject)`),
		mk("numbered-menu", KindNumberedSelection, 30, RuleNumbered,
			`(?m)^(❯ ?)?1[.)] \S[^\n]*\n( *(❯ ?)?\d+[.)] \S[^\n]*\n?)+`),
		mk("yes-no-question", KindYesNo, 40, RuleYesNo,
			`(?i)\? ?[\[(](y/n|yes/no|y\|n)[\])]`),
		mk("continue-enter", KindContinuation, 50, RuleNone,
			`(?i)(press (enter|return) to continue|hit enter to continue|\[press enter\]|enter to confirm)`),
	})
}
