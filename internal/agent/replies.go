package agent

import "fmt"

// User-facing notices. Every failure the user can see is one of these.
const (
	ReplyChatFallback    = "Désolée, j'ai un petit souci technique en ce moment 😅 Réessaie dans quelques instants !"
	ReplyRateLimited     = "⏳ Trop de messages. Patiente quelques secondes."
	ReplyUnsupported     = "Désolée, je ne peux pas traiter ce type de message pour le moment 😕"
	ReplyGenericError    = "😅 Désolé, une erreur s'est produite. Réessaie!"
	ReplyGenerating      = "🎨 Je génère ton image, un instant..."
	ReplyGenerateFailed  = "Désolée, je n'ai pas pu générer l'image 😕 Réessaie avec une autre description !"
	ReplyAnalyzing       = "🔍 J'analyse ton image..."
	ReplyAnalyzeFailed   = "Désolée, je n'ai pas pu analyser ton image pour le moment 😕"
	ReplyAnalyzeEmpty    = "Je n'ai pas pu analyser cette image 😕"
	ReplyAnalyzeDisabled = "Désolée, l'analyse d'image n'est pas configurée 😕"
	ReplyAnalysisHeader  = "📸 Voici ce que je vois dans ton image :\n\n"
	ReplyTranscribing    = "🎤 Je transcris ton audio..."
	ReplyNotUnderstood   = "Désolée, je n'ai pas pu comprendre ton audio 😕"
	ReplyVoiceNoteFailed = "Désolée, je n'ai pas pu traiter ton message vocal 😕"
	imageTurnPrefix      = "[Image envoyée]"
	generatedCaptionFmt  = "🖼️ Voilà ! Image générée pour : \"%s\""
	transcriptEchoFmt    = "📝 J'ai compris : \"%s\""
	analysisLabelLine    = "• %s (%.1f%%)"
	maxAnalysisLabels    = 3
	statMessagesReceived = "messages_received"
)

func generatedCaption(prompt string) string { return fmt.Sprintf(generatedCaptionFmt, prompt) }

func transcriptEcho(text string) string { return fmt.Sprintf(transcriptEchoFmt, text) }

// imageTurn is the user turn stored for a received picture.
func imageTurn(caption string) string {
	if caption == "" {
		return imageTurnPrefix
	}
	return imageTurnPrefix + " " + caption
}
