package classify

import "regexp"

// Intent is the routing decision for a text message.
type Intent string

const (
	IntentText          Intent = "text"
	IntentGenerateImage Intent = "generate_image"
)

type intentRule struct {
	intent Intent
	match  *regexp.Regexp
}

// intentRules are tried in order; the first match wins.
var intentRules = []intentRule{
	{IntentGenerateImage, regexp.MustCompile(`(?i)g[ée]n[eèé]re?\s+(une?\s+)?image`)},
	{IntentGenerateImage, regexp.MustCompile(`(?i)cr[ée]{1,2}e?\s+(une?\s+)?image`)},
	{IntentGenerateImage, regexp.MustCompile(`(?i)dessine`)},
	{IntentGenerateImage, regexp.MustCompile(`(?i)fais?\s+(une?\s+)?image`)},
	{IntentGenerateImage, regexp.MustCompile(`(?i)imagine\s+(une?\s+)?image`)},
	{IntentGenerateImage, regexp.MustCompile(`(?i)generate\s+(an?\s+)?image`)},
	{IntentGenerateImage, regexp.MustCompile(`(?i)create\s+(an?\s+)?image`)},
}

// promptStrips remove a trigger phrase and the preposition that follows it.
var promptStrips = []*regexp.Regexp{
	regexp.MustCompile(`(?i)g[ée]n[eèé]re?\s+(une?\s+)?image\s*(de\s+|d['’]|du\s+|des\s+|avec\s+)?`),
	regexp.MustCompile(`(?i)cr[ée]{1,2}e?\s+(une?\s+)?image\s*(de\s+|d['’]|du\s+|des\s+|avec\s+)?`),
	regexp.MustCompile(`(?i)dessine\s*(-?moi\s*)?(une?\s+)?`),
	regexp.MustCompile(`(?i)fais?\s+(une?\s+)?image\s*(de\s+|d['’]|du\s+|des\s+|avec\s+)?`),
	regexp.MustCompile(`(?i)imagine\s+(une?\s+)?image\s*(de\s+|d['’]|du\s+|des\s+|avec\s+)?`),
	regexp.MustCompile(`(?i)(generate|create)\s+(an?\s+)?image\s*(of\s+|with\s+)?`),
}

// Filter categories.
const (
	CategoryWeapons           = "weapons"
	CategoryDrugs             = "drugs"
	CategoryHacking           = "hacking"
	CategoryChildExploitation = "child_exploitation"
	CategorySelfHarm          = "self_harm"
)

const (
	refusalGeneric  = "Je ne peux pas t'aider avec ça 🙏 Je préfère qu'on parle d'autre chose, je suis là si tu as besoin."
	refusalSelfHarm = "Je suis vraiment désolée que tu traverses ça 💛 Je ne peux pas t'aider sur ce sujet, mais tu n'es pas seul·e : parle à quelqu'un de confiance ou appelle le 3114 (gratuit, 24h/24)."
)

type filterRule struct {
	category string
	match    *regexp.Regexp
	reason   string
	// unless removes harmless phrases before match runs.
	unless *regexp.Regexp
}

// harmlessWeapons covers crafts and toys that share words with the weapons rule.
var harmlessWeapons = regexp.MustCompile(`(?i)bombes?\s+(de|pour\s+le)\s+bain|bath\s*bombs?|(bombes?|armes?|bombs?|weapons?)\s+(en|de|in|made\s+of|out\s+of)\s+(carton|papier|mousse|bois|lego|plastique|cardboard|paper|foam|wood|plastic)`)

// filterRules is the dangerous-content policy. Order only matters for which
// category is reported when several match.
var filterRules = []filterRule{
	{CategoryChildExploitation, regexp.MustCompile(`(?i)p[ée]dopornograph|child\s*porn|\bcp\s+links?\b`), refusalGeneric, nil},
	{CategoryChildExploitation, regexp.MustCompile(`(?i)\b(nudes?|naked|porn\w*|photos?\s+nue?s?)\W+(\w+\W+){0,3}(enfants?|mineure?s?|child(ren)?|minors?|kids?)\b`), refusalGeneric, nil},
	{CategoryChildExploitation, regexp.MustCompile(`(?i)\b(enfants?|mineure?s?|child(ren)?|minors?|kids?)\W+(\w+\W+){0,3}(nue?s?|naked|nudes?)\b`), refusalGeneric, nil},
	{CategorySelfHarm, regexp.MustCompile(`(?i)(comment|how\s+(to|do\s+i|can\s+i))\s+(((me|se|te)\s+)?suicider|(me|se|te)\s+tuer|(me|se|te)\s+donner\s+la\s+mort|[mst]['’]\s*[ôo]ter\s+la\s+vie|mourir|kill\s+(myself|yourself|oneself)|commit\s+suicide|end\s+(my|your)\s+life)`), refusalSelfHarm, nil},
	{CategorySelfHarm, regexp.MustCompile(`(?i)(m[ée]thodes?|fa[çc]ons?|moyens?|methods?|ways?)\s+(de|pour|to)\s+((me|se|te)\s+)?(suicider|suicide|kill\s+myself|mourir)`), refusalSelfHarm, nil},
	{CategoryWeapons, regexp.MustCompile(`(?i)(fabriquer|construire|faire|make|build)\s+(une?\s+|des\s+|a\s+|an\s+)?(bombes?|explosifs?|armes?|bombs?|explosives?|pipe\s*bombs?|molotov|weapons?)`), refusalGeneric,
		harmlessWeapons},
	{CategoryDrugs, regexp.MustCompile(`(?i)(fabriquer|synth[ée]tiser|cuisiner|produire|make|cook|synthesi[sz]e)\s+(de\s+la\s+|du\s+|de\s+l'|some\s+)?(m[ée]th(amph[ée]tamine)?|coca[iï]ne|h[ée]ro[iï]ne|fentanyl|lsd|crack)\b`), refusalGeneric, nil},
	{CategoryHacking, regexp.MustCompile(`(?i)(pirater|hacker|hack)\s+(into\s+)?(un|une|le|la|les|a|an|the|someone'?s?)?\s*(compte|site|wifi|t[ée]l[ée]phone|account|website|phone|instagram|facebook|whatsapp|snapchat)`), refusalGeneric, nil},
	{CategoryHacking, regexp.MustCompile(`(?i)(voler|steal)\s+(des\s+|les\s+)?(mots?\s+de\s+passe|passwords?|identifiants|credentials|cartes?\s+bancaires?|credit\s+cards?)`), refusalGeneric, nil},
}

// MinLanguageMatches is the number of vocabulary hits needed before the
// detected language overrides the caller's default.
const MinLanguageMatches = 2

// languageOrder fixes the tie-break order of languageVocab.
var languageOrder = []string{"fr", "en", "es"}

var languageVocab = map[string][]string{
	"fr": {"bonjour", "salut", "merci", "comment", "pourquoi", "je", "tu", "est", "suis", "vous", "oui", "avec", "pour", "mais", "très", "bien", "quoi", "ça", "va", "le", "les", "une", "c'est", "aujourd'hui"},
	"en": {"hello", "hi", "thanks", "thank", "how", "why", "what", "the", "is", "are", "you", "yes", "with", "please", "my", "i", "and", "it's", "today"},
	"es": {"hola", "gracias", "cómo", "como", "por", "qué", "sí", "estoy", "eres", "usted", "muy", "buenos", "buenas", "para", "tengo", "hoy", "está"},
}
