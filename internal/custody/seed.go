package custody

import (
	"fmt"
	"log/slog"
)

// Seed populates the store with demo lots and their creation events.
// No-op when lots already exist, so it is safe to run on every init.
func (s *Store) Seed(actor string) error {
	if len(s.Lots()) > 0 {
		return nil
	}

	demo := []Lot{
		{
			Code: "MAD-2025-001", Category: CategoryMadeira,
			Volume: 20, Unit: "m³",
			Origin: "Manaus, AM", Destination: "São Paulo, SP",
			Latitude: -3.1190, Longitude: -60.0217,
			Documents: []string{"Licenca_Ambiental.pdf", "Nota_Fiscal.pdf"},
			Licenses:  []string{"IBAMA-2025-001"},
		},
		{
			Code: "PES-2025-002", Category: CategoryPescado,
			Volume: 150, Unit: "kg",
			Origin: "Santarém, PA", Destination: "Belém, PA",
			Latitude: -2.4394, Longitude: -54.7079,
			Status: StatusUnderReview,
		},
		{
			Code: "CAC-2025-003", Category: CategoryCacau,
			Volume: 500, Unit: "kg",
			Origin: "Ilhéus, BA", Destination: "Salvador, BA",
			Latitude: -14.7888, Longitude: -39.0339,
			Documents: []string{"Certificacao_Organica.pdf"},
			Licenses:  []string{"CERT-ORG-2025"},
		},
	}

	for _, lot := range demo {
		created, err := s.CreateLot(actor, lot)
		if err != nil {
			return fmt.Errorf("seeding lot %s: %w", lot.Code, err)
		}
		_, err = s.AddEvent(actor, Event{
			LotID:       created.ID,
			Kind:        KindCreation,
			Description: "Lote criado e registrado no sistema",
			Latitude:    created.Latitude,
			Longitude:   created.Longitude,
			Actor:       actor,
		})
		if err != nil {
			return fmt.Errorf("seeding creation event for %s: %w", lot.Code, err)
		}
	}

	slog.Info("demo data seeded", "lots", len(demo))
	return nil
}
