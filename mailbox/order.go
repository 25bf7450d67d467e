package mailbox

import (
	"net/mail"
	"sort"
	"strings"
	"time"

	"github.com/carloslauriano/glomail/storage"
)

// dateLayouts são os formatos aceitos além do RFC 5322
var dateLayouts = []string{time.RFC3339, "2006-01-02"}

// ParseDate interpreta a data de um email. Datas fora dos formatos
// conhecidos retornam false.
func ParseDate(value string) (time.Time, bool) {
	value = strings.TrimSpace(value)
	if t, err := mail.ParseDate(value); err == nil {
		return t, true
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, value); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// sortEmails ordena do mais recente para o mais antigo. Datas ilegíveis vão
// para o fim e empates são desfeitos pelo id, então a ordem é determinística.
func sortEmails(emails []*storage.Email) {
	type keyed struct {
		email *storage.Email
		date  time.Time
		ok    bool
	}
	keys := make([]keyed, len(emails))
	for i, e := range emails {
		d, ok := ParseDate(e.Date)
		keys[i] = keyed{email: e, date: d, ok: ok}
	}

	sort.SliceStable(keys, func(i, j int) bool {
		a, b := keys[i], keys[j]
		if a.ok != b.ok {
			return a.ok
		}
		if a.ok && !a.date.Equal(b.date) {
			return a.date.After(b.date)
		}
		return a.email.ID < b.email.ID
	})

	for i := range keys {
		emails[i] = keys[i].email
	}
}
