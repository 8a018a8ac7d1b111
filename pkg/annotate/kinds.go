package annotate

// Kind tags one of the three annotation prompts run against every chunk.
type Kind string

const (
	SemanticSimilarity   Kind = "similaridade_semantica"
	SemanticRelationship Kind = "relacionamento_semantico"
	SharedContext        Kind = "contexto_compartilhado"
)

// Kinds lists the annotation kinds in the order they are run and assembled.
var Kinds = []Kind{SemanticSimilarity, SemanticRelationship, SharedContext}

var kindLabels = map[Kind]string{
	SemanticSimilarity:   "Similaridade semântica",
	SemanticRelationship: "Relacionamento Semântico",
	SharedContext:        "Contexto Compartilhado",
}

// Label returns the correlation type stored for k. Unknown tags come back
// unchanged so the store can reject them.
func (k Kind) Label() string {
	if label, ok := kindLabels[k]; ok {
		return label
	}
	return string(k)
}

func (k Kind) Valid() bool {
	_, ok := kindLabels[k]
	return ok
}
