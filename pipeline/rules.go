// Package pipeline routes chat events into classification: pre-filter,
// micro-batching, classifier calls, safety-net rules, counter aggregation
// and persistence.
package pipeline

import (
	"regexp"
	"strings"

	"github.com/tvlabs/streamwatch/classifier"
)

// Verdict is the final classification outcome after all safety nets.
type Verdict struct {
	IsTechnical bool
	Category    string
	Issue       string
	Severity    string
}

// overrideRule upgrades clear-cut problem reports the model missed. Rules
// run in order, first match wins; later rules are intentionally broader.
type overrideRule struct {
	pattern  *regexp.Regexp
	category string
	issue    string
	severity string
}

var overrideRules = []overrideRule{
	{regexp.MustCompile(`(?i)sem ?(audio|áudio|som)|sumiu.*(audio|áudio|som)|(audio|áudio|som) sumiu|(não|nao) (tem|há|ha|ouço|ouco|ouve|escuto) ?(audio|áudio|som|nada)|cad[eê].*(audio|áudio|som)|perdeu.*(audio|áudio|som)`),
		"ÁUDIO", "SEM ÁUDIO", "high"},
	{regexp.MustCompile(`(?i)(audio|áudio|som).*(cortando|picotando|gaguejando|interrompendo|travando)|cortando.*(audio|áudio|som)`),
		"ÁUDIO", "ÁUDIO CORTANDO", "medium"},
	{regexp.MustCompile(`(?i)(audio|áudio|som).*(chiando|estourado|distorcido|horrível|horrivel|ruim)|chiando|estourado`),
		"ÁUDIO", "ÁUDIO DISTORCIDO", "medium"},
	{regexp.MustCompile(`(?i)eco|(audio|áudio|som) duplicado|dois (audios|áudios|sons)`),
		"ÁUDIO", "ÁUDIO COM ECO/DUPLICADO", "medium"},
	{regexp.MustCompile(`(?i)(audio|áudio|som).*(atrasado|adiantado|atraso|dessincronizado|desincronizado|fora de sincronia)|fora de sinc|boca.*voz|voz.*boca`),
		"SINCRONIZAÇÃO", "ÁUDIO FORA DE SINCRONIA", "medium"},
	{regexp.MustCompile(`(?i)sem (narração|narracao|narrador)|narrador (sumiu|caiu|foi)|sumiu.*(narração|narracao|narrador)|cad[eê].*(narrador|narração|narracao)`),
		"ÁUDIO", "SEM NARRAÇÃO", "high"},
	{regexp.MustCompile(`(?i)tela preta|black screen|tela escura|sem (video|vídeo|imagem)`),
		"VÍDEO", "TELA PRETA", "high"},
	{regexp.MustCompile(`(?i)travando|travou|congelou|congelando|congelado|imagem (parou|travou|congelou)|fica parando|para toda hora`),
		"REDE/PLATAFORMA", "BUFFERING", "medium"},
	{regexp.MustCompile(`(?i)pixel(and|ad)[ao]s?|pixelou|muitos? pixels?|resolução (caiu|baixou)|qualidade (caiu|baixou|péssima|horrível)|baixa resolução|borrad[ao]|em 144p`),
		"VÍDEO", "QUALIDADE BAIXA", "low"},
	{regexp.MustCompile(`(?i)buffering|bufferizando|fica carregando|carregando infinito|loading eterno|círculo girando|(não|nao) (carrega|sai do buffer)`),
		"REDE/PLATAFORMA", "BUFFERING", "medium"},
	{regexp.MustCompile(`(?i)live (caiu|foi|encerrou|fechou|reiniciou)|caiu.*(live|transmissão|transmissao)|saiu do ar|foi do ar|transmissão (caiu|encerrou|foi)`),
		"REDE/PLATAFORMA", "LIVE CAIU", "high"},
	{regexp.MustCompile(`(?i)(não|nao) (abre|carrega|reproduz|funciona)|d[aá]? erro|erro ao (carregar|abrir|reproduzir)|\bbug\b`),
		"REDE/PLATAFORMA", "ERRO AO CARREGAR", "high"},
	{regexp.MustCompile(`(?i)placar (errado|incorreto|desatualizado)|placar.*(errado|atrasado)|\bgc\b.*(errado|sumiu)|(gráfico|grafico) errado`),
		"PLACAR/GC", "PLACAR ERRADO", "medium"},
}

// techKeywords guards against model false positives: a technical verdict is
// only accepted when the text mentions at least one domain term.
var techKeywords = regexp.MustCompile(`(?i)` +
	`audio|áudio|\bsom\b|narr|microfone|\bmic\b` +
	`|video|vídeo|\btela\b|imagem|pixel|qualidade` +
	`|travand|travan|freez` +
	`|buffer|\blag\b|\bping\b|caiu|carregan|loadin` +
	`|sem (som|sinal)` +
	`|cortand|estouran|estourad|chian|ruído|ruido|\beco\b` +
	`|preta|escura|borrad|pixelad` +
	`|placar|\bgc\b` +
	`|mudo|muta|dessincroni|atraso|adianta|delay` +
	`|vazand|vazou|vazamento`)

// generic category that the model emits when it cannot pin an issue down
const genericCategory = "OUTRO"

var validSeverities = map[string]bool{"none": true, "low": true, "medium": true, "high": true}

// keywordOverride returns the first matching override rule verdict, or nil.
func keywordOverride(text string) *Verdict {
	for _, rule := range overrideRules {
		if rule.pattern.MatchString(text) {
			return &Verdict{
				IsTechnical: true,
				Category:    rule.category,
				Issue:       rule.issue,
				Severity:    rule.severity,
			}
		}
	}
	return nil
}

func hasTechKeyword(text string) bool {
	return techKeywords.MatchString(text)
}

// Resolve applies the safety nets, in order, to one model result. A nil
// result (classifier failure or malformed response) is treated as "no
// verdict" and still falls through to the keyword override, so clear-cut
// problem reports survive classifier outages.
func Resolve(res *classifier.Result, text string, confidenceThreshold float64) Verdict {
	v := Verdict{Severity: "none"}
	if res != nil {
		v.IsTechnical = res.IsTechnical
		if v.IsTechnical && res.Confidence < confidenceThreshold {
			v.IsTechnical = false
		}
		if v.IsTechnical && (res.Category == "" || res.Category == genericCategory) {
			v.IsTechnical = false
		}
		if v.IsTechnical && !hasTechKeyword(text) {
			v.IsTechnical = false
		}
		if v.IsTechnical {
			v.Category = res.Category
			v.Issue = res.Issue
			sev := strings.ToLower(res.Severity)
			if !validSeverities[sev] {
				sev = "none"
			}
			v.Severity = sev
		}
	}
	if !v.IsTechnical {
		if override := keywordOverride(text); override != nil {
			return *override
		}
		v.Category = ""
		v.Issue = ""
		v.Severity = "none"
	}
	return v
}
