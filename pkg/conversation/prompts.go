package conversation

import (
	"strconv"
	"strings"
)

// Template keys accepted under conversation.prompts.
const (
	PromptOpening        = "opening"
	PromptAskSMS         = "ask_sms"
	PromptSMSYes         = "sms_yes"
	PromptSMSNo          = "sms_no"
	PromptAskSim         = "ask_sim"
	PromptAskSimRetry    = "ask_sim_retry"
	PromptAskSimHint     = "ask_sim_hint"
	PromptAskBill        = "ask_bill"
	PromptClosing        = "closing"
	PromptClosingBilling = "closing_billing"
	PromptVoicemail      = "voicemail"
	PromptDegraded       = "degraded"
)

// Placeholder variables available to templates.
const (
	VarFirstName = "first_name"
	VarAgentName = "agent_name"
	VarSimCount  = "sim_count"
	VarBillMin   = "bill_min"
	VarBillMax   = "bill_max"
	VarCarriers  = "carriers"
)

// DefaultPrompts is the Italian call script.
func DefaultPrompts() map[string]string {
	return map[string]string{
		PromptOpening: "Ciao {first_name}, sono {agent_name}, l'amministrativo che segue i tuoi contratti fissi e mobili. " +
			"Ti chiamo per un controllo sulle tue linee aziendali. Hai avuto problemi di navigazione o di copertura ultimamente?",
		PromptAskSMS: "Da sistema vedo che il ripetitore vicino a te dà problemi di navigazione, provvedo subito ad aprire una segnalazione guasti. " +
			"Vedo anche fatture altalenanti. Hai ricevuto sms per servizi sospetti?",
		PromptSMSYes: "Capito, blocco subito i servizi a pagamento che non hai richiesto.",
		PromptSMSNo:  "Bene.",
		PromptAskSim: "Se non hai fatto nessuna disattivazione, per evitare di pagare schede che non fanno traffico, " +
			"quante delle tue schede aziendali stai utilizzando realmente?",
		PromptAskSimRetry: "Scusa, non ho capito il numero. Quante schede aziendali state utilizzando realmente?",
		PromptAskSimHint:  "Nessun problema, basta una stima. Per esempio: uso 3 schede. Quante ne usate più o meno?",
		PromptAskBill:     "Perfetto, {sim_count} schede. Da sistema vedo che la bolletta negli ultimi mesi si è collocata tra {bill_min} e {bill_max} euro. Ti torna?",
		PromptClosing:     "Confermerò con l'amministrazione e ti richiamerò personalmente per aggiornamenti. Grazie {first_name}, buona giornata.",
		PromptVoicemail:   "Ciao {first_name}, sono {agent_name}, l'amministrativo dei tuoi contratti. Ti richiamerò a breve per un controllo sulle tue linee aziendali.",
		PromptDegraded:    "Scusa {first_name}, la linea è disturbata.",
		PromptClosingBilling: "Noto più centri di fatturazione, come {carriers}: controllerò anche eventuali fatture duplicate. " +
			"Confermerò con l'amministrazione e ti richiamerò personalmente per aggiornamenti. Grazie {first_name}, buona giornata.",
	}
}

// Vars builds the placeholder values for a call.
func Vars(facts Facts, meta map[string]string, agentName string) map[string]string {
	vars := map[string]string{
		VarFirstName: strings.TrimSpace(meta[VarFirstName]),
		VarAgentName: agentName,
	}
	if n, ok := facts.Int(FactSimCount); ok {
		vars[VarSimCount] = strconv.Itoa(n)
		vars[VarBillMin] = strconv.Itoa(n * 10)
		vars[VarBillMax] = strconv.Itoa(n * 15)
	}
	if facts.Has(FactCarriers) {
		vars[VarCarriers] = joinNames(strings.Split(facts[FactCarriers], ","))
	}
	return vars
}

// joinNames renders "a", "a e b", "a, b e c".
func joinNames(names []string) string {
	switch len(names) {
	case 0:
		return ""
	case 1:
		return names[0]
	}
	return strings.Join(names[:len(names)-1], ", ") + " e " + names[len(names)-1]
}

// Render substitutes {name} placeholders. Unknown or empty placeholders
// collapse so the sentence still reads naturally.
func Render(template string, vars map[string]string) string {
	pairs := make([]string, 0, len(vars)*2)
	for k, v := range vars {
		pairs = append(pairs, "{"+k+"}", v)
	}
	out := strings.NewReplacer(pairs...).Replace(template)
	for {
		start := strings.IndexByte(out, '{')
		if start < 0 {
			break
		}
		end := strings.IndexByte(out[start:], '}')
		if end < 0 {
			break
		}
		out = out[:start] + out[start+end+1:]
	}
	out = strings.Join(strings.Fields(out), " ")
	out = strings.ReplaceAll(out, " ,", ",")
	out = strings.ReplaceAll(out, " .", ".")
	return strings.TrimSpace(out)
}
