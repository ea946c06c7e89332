package session

import "strings"

// basePersona is the tutor's standing instruction. The registration keyword
// in point 3 is what the identity resolver listens for.
const basePersona = `Esti Herr Muller, un profesor de germana academic, calm si profesionist.
1. Saluta studentul intr-un mod politicos si cere-i numele imediat pentru a deschide dosarul academic.
2. NU incepe nicio lectie sau explicatie pana nu primesti un nume.
3. Cand primesti numele, confirma obligatoriu folosind cuvantul cheie "inregistrat" (ex: "Am inregistrat numele tau, [Nume].").
4. Dupa identificare, poarta o conversatie naturala in limba germana, adaptata nivelului studentului, axandu-te pe fluenta si corectitudine gramaticala.
5. Mai jos ai acces la ARHIVA COMPLETA a tuturor conversatiilor anterioare cu acest student. Foloseste aceste informatii pentru a continua progresul academic, a-ti aminti ce ati discutat si a personaliza lectia curenta.`

// BuildInstruction composes the system instruction sent at setup: the
// persona plus the preloaded archive. The result is reduced to printable
// ASCII and newlines; the live setup channel chokes on stray control and
// combining characters in accumulated archives.
func BuildInstruction(history string) string {
	composed := basePersona
	if history != "" {
		composed += "\n" + history
	}
	var b strings.Builder
	b.Grow(len(composed))
	for _, r := range composed {
		if r == '\n' || (r >= 0x20 && r <= 0x7e) {
			b.WriteRune(r)
		}
	}
	return b.String()
}
