package colorize

import (
	"github.com/alecthomas/chroma/v2"
	"github.com/alecthomas/chroma/v2/styles"
)

// DisasmDark colours x86 listings: mnemonics white, registers teal and
// immediates pink.
var DisasmDark = styles.Register(chroma.MustNewStyle("disasm-dark", chroma.StyleEntries{
	chroma.Text:       "#FFFFFF",
	chroma.Background: "bg:#1e1e1e",
	chroma.Comment:    "#EBC2ED",

	chroma.Keyword:       "#FFFFFF",
	chroma.KeywordPseudo: "#FFFFFF",
	chroma.Name:          "#7C9C9D",
	chroma.NameBuiltin:   "#7C9C9D",
	chroma.NameVariable:  "#7C9C9D",

	chroma.LiteralNumber:        "#FF5F87",
	chroma.LiteralNumberHex:     "#FF5F87",
	chroma.LiteralNumberInteger: "#FF5F87",

	chroma.NameLabel:    "#FFD700",
	chroma.NameFunction: "#FFFFFF", // nasm tokenizes mnemonics as functions

	chroma.Operator:    "#FFFFFF",
	chroma.Punctuation: "#FFFFFF",
	chroma.String:      "#EACD53",
}))

// ReportDark colours JSON and YAML reports in the same palette as the
// styled text output.
var ReportDark = styles.Register(chroma.MustNewStyle("cfgchain-report", chroma.StyleEntries{
	chroma.Text:       "#D0D0D0",
	chroma.Background: "bg:#1e1e1e",

	chroma.NameTag:         "#875FFF", // keys
	chroma.NameAttribute:   "#875FFF",
	chroma.Keyword:         "#D75FD7",
	chroma.KeywordConstant: "#D75FD7",

	chroma.LiteralString:        "#FFAF00",
	chroma.LiteralNumber:        "#FF5F87",
	chroma.LiteralNumberInteger: "#FF5F87",

	chroma.Punctuation: "#808080",
	chroma.Comment:     "#585858",
}))
