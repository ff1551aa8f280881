package nntpserver

import (
	"strings"

	"vellum.news/catalog"
)

// authorizeControl reports whether identity may issue the control message
// ctl (the raw Control: header value) against targets (the article's
// Newsgroups:). Per spec scenario 4, lacking the specific capability flag
// denies the whole POST with 480, regardless of authorship.
func (s *session) authorizeControl(identity *catalog.Identity, ctl string, targets []string) bool {
	verb, _ := splitVerb(ctl)
	switch strings.ToLower(verb) {
	case "cancel":
		return identity.Flags.Has(catalog.FlagCanCancel)
	case "newgroup":
		return identity.Flags.Has(catalog.FlagCanCreateCatalogs)
	case "rmgroup":
		return identity.Flags.Has(catalog.FlagCanDeleteCatalogs)
	case "checkgroups":
		return identity.Flags.Has(catalog.FlagCanCheckCatalogs)
	default:
		return false
	}
}

// handleControl executes the control message carried by msg's Control:
// header, scoped to cat (one of the article's target catalogs). Failures
// are swallowed: the article has already been accepted with 240, and a
// control message that cannot be carried out (e.g. naming a catalog that
// does not exist) does not retroactively fail the POST.
func (s *session) handleControl(identity *catalog.Identity, ctl string, cat *catalog.Catalog, msg *catalog.Message) {
	verb, rest := splitVerb(ctl)
	switch strings.ToLower(verb) {
	case "cancel":
		target := strings.TrimSpace(rest)
		if target == "" {
			return
		}
		s.server.Store.CancelMessage(s.ctx(), identity, target, cat)
		// The cancel message's own links are cancelled too, so it does not
		// linger as a readable article in the catalogs it was posted to.
		if msg != nil {
			s.server.Store.CancelMessage(s.ctx(), identity, msg.ID, cat)
		}
	case "newgroup":
		name, moderated := parseNewgroup(rest)
		if name == "" {
			return
		}
		s.server.Store.CreateCatalog(s.ctx(), identity, name, moderated)
	case "rmgroup":
		name := strings.TrimSpace(rest)
		if name == "" {
			return
		}
		s.server.Store.DeleteCatalog(s.ctx(), identity, name)
	case "checkgroups":
		// Store-defined reconciliation against rest (a full active-file
		// style body); no Store operation exists for it, so this is a
		// deliberate no-op acknowledgment (spec §9 Open Question ii).
	}
}

func parseNewgroup(rest string) (name string, moderated bool) {
	fields := strings.Fields(rest)
	if len(fields) == 0 {
		return "", false
	}
	name = fields[0]
	for _, f := range fields[1:] {
		if strings.EqualFold(f, "moderated") {
			moderated = true
		}
	}
	return name, moderated
}
