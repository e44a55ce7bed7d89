package core

import "fmt"

const (
	// SentinelRestoreEmpty 上游成功但没有返回文本（文本标音）
	SentinelRestoreEmpty = "Error processing text"
	// SentinelExtractEmpty 上游成功但没有返回文本（图片识别）
	SentinelExtractEmpty = "Error extracting text"

	// ProbeText 状态探测使用的短文本
	ProbeText = "مرحبا"

	extractInstruction = "Extract the Arabic text from this image and restore all its diacritics (tashkīl) in full classical style. Return ONLY the diacritized Arabic text."
)

// DefaultModels 默认模型优先级（最新优先）
var DefaultModels = []string{"gemini-3-flash-preview", "gemini-2.0-flash-exp"}

func restorePrompt(text string) string {
	return fmt.Sprintf(`Restore all Arabic diacritics (tashkīl) for the following text.
Use full classical style including vowel marks (Fatha, Kasra, Damma), Shadda, Sukun, Tanween, Madd, and dots.
Do not change the underlying letters or the meaning.
Return ONLY the diacritized Arabic text.

Text: %s`, text)
}
