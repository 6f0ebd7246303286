package textutil

// defaultStopwords is a small English and Czech list; extend it through config.
var defaultStopwords = []string{
	"a", "an", "and", "are", "as", "at", "be", "by", "do", "does", "for", "from",
	"has", "have", "how", "in", "is", "it", "its", "of", "on", "or", "that", "the",
	"this", "to", "was", "were", "what", "when", "where", "which", "who", "why",
	"with", "can", "did", "we", "our", "you", "your", "about", "there", "any",
	// Czech, folded
	"a", "aby", "ale", "co", "do", "je", "jak", "jake", "jaky", "jaka", "k", "ke",
	"ma", "maji", "na", "ne", "o", "od", "po", "pro", "s", "se", "si", "to", "u",
	"v", "ve", "z", "ze", "za", "ktery", "ktera", "ktere",
}
