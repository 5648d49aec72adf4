package orchestrator

import "strings"

const (
	memoryHeader = "【Internal Memory摘要（仅用于你在心里对齐语气与上下文，不要在回复中提到“摘要/记忆/系统”）】"
	anchorHeader = "【Persona Anchor（仅用于你在心里模仿语气与节奏，不要在回复中提到“锚点/检索/工具/系统”）】"
	anchorRule   = "规则：下面内容是【学习素材】。你绝对不可以逐句复述或引用其中任何一句原话；只能学习称呼、语气、节奏、动作描写方式，用你自己的话回答。"
	blockEnd     = "【End】"
)

// memoryBlock frames the long then the short summary. Empty tiers are
// skipped; with both empty there is no block.
func memoryBlock(long, short string) string {
	long, short = strings.TrimSpace(long), strings.TrimSpace(short)
	if long == "" && short == "" {
		return ""
	}
	var sb strings.Builder
	sb.WriteString(memoryHeader)
	sb.WriteByte('\n')
	if long != "" {
		sb.WriteString("S60 (long): ")
		sb.WriteString(long)
		sb.WriteByte('\n')
	}
	if short != "" {
		sb.WriteString("S4 (recent): ")
		sb.WriteString(short)
		sb.WriteByte('\n')
	}
	sb.WriteString(blockEnd)
	return sb.String()
}

// anchorBlock frames a retrieval snippet as style material that must not
// be quoted back.
func anchorBlock(snippet string) string {
	snippet = strings.TrimSpace(snippet)
	if snippet == "" {
		return ""
	}
	return anchorHeader + "\n" + anchorRule + "\n" + snippet + "\n" + blockEnd
}

// SystemBlock joins the non-empty blocks in order: long summary, short
// summary, snippet.
func SystemBlock(long, short, snippet string) string {
	var blocks []string
	for _, b := range []string{memoryBlock(long, short), anchorBlock(snippet)} {
		if b != "" {
			blocks = append(blocks, b)
		}
	}
	return strings.Join(blocks, "\n\n")
}
