package contacts

import (
	"fmt"
	"io"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/Trustflow-Network-Labs/inbox-node/internal/types"
)

// ContactFile is the YAML layout of contact import and export files.
type ContactFile struct {
	Contacts []*types.ProfileUpdate `yaml:"contacts"`
}

// Import merges every entry of a YAML contact file. Entries default to source import.
// Invalid entries are skipped and reported in the error after the rest are applied.
func (r *Reconciler) Import(in io.Reader) (int, error) {
	var file ContactFile
	if err := yaml.NewDecoder(in).Decode(&file); err != nil && err != io.EOF {
		return 0, fmt.Errorf("failed to parse contact file: %w", err)
	}

	imported := 0
	var firstErr error
	for i, u := range file.Contacts {
		if u == nil {
			continue
		}
		if err := normalizeUpdate(u); err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("entry %d: %w", i, err)
			}
			continue
		}
		if u.Source == "" || u.Source.IsNetwork() {
			u.Source = types.SourceImport
		}
		if _, err := r.UpsertContactProfile(u); err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("entry %d: %w", i, err)
			}
			continue
		}
		imported++
	}
	r.logger.Info(fmt.Sprintf("Imported %d of %d contacts", imported, len(file.Contacts)), category)
	return imported, firstErr
}

func normalizeUpdate(u *types.ProfileUpdate) error {
	u.InboxID = types.NewInboxID(u.InboxID.String())
	if !u.PrimaryAddress.IsZero() {
		a, err := types.NewAddress(u.PrimaryAddress.String())
		if err != nil {
			return err
		}
		u.PrimaryAddress = a
	}
	addrs := make(types.Addresses, 0, len(u.Addresses))
	for _, raw := range u.Addresses {
		a, err := types.NewAddress(raw.String())
		if err != nil {
			return err
		}
		addrs = append(addrs, a)
	}
	u.Addresses = addrs
	return nil
}

// Export writes every known contact as a YAML contact file, sorted by inbox id.
func (r *Reconciler) Export(out io.Writer) (int, error) {
	all, err := r.db.ListContacts()
	if err != nil {
		return 0, fmt.Errorf("failed to list contacts: %w", err)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].InboxID < all[j].InboxID })

	file := ContactFile{Contacts: make([]*types.ProfileUpdate, 0, len(all))}
	for _, c := range all {
		name, avatar := c.PreferredName, c.PreferredAvatar
		if name == "" {
			name = c.Name
		}
		if avatar == "" {
			avatar = c.Avatar
		}
		file.Contacts = append(file.Contacts, &types.ProfileUpdate{
			InboxID:        c.InboxID,
			DisplayName:    name,
			AvatarURL:      avatar,
			PrimaryAddress: c.PrimaryAddress,
			Addresses:      c.Addresses,
			Source:         c.Source,
			Metadata:       c.Metadata,
		})
	}

	enc := yaml.NewEncoder(out)
	enc.SetIndent(2)
	if err := enc.Encode(&file); err != nil {
		return 0, fmt.Errorf("failed to write contact file: %w", err)
	}
	return len(all), enc.Close()
}
