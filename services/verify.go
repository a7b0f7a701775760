package services

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/certchain-labs/certchain-api/ledger"
	"github.com/certchain-labs/certchain-api/models"
	"github.com/certchain-labs/certchain-api/util"
	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"
)

const (
	// Patterns classifying a verification term.
	credentialIDPattern  = `^[0-9]+$`
	holderAddressPattern = `^(?i)0x[0-9a-f]{40}$`
)

// ResolveTerm answers "is this genuine, and who holds it now". The term is
// either a credential id (all decimal) or a holder address (fixed-length
// hex). Validity and ownership are read exclusively from the ledger; the
// mirror contributes descriptive metadata only, and its absence does not
// invalidate the result.
func (s *Service) ResolveTerm(ctx context.Context, term string) (*models.VerificationResult, error) {
	switch {
	case s.credentialIDRegexp.MatchString(term):
		id, err := strconv.ParseUint(term, 10, 64)
		if err != nil {
			return nil, &MalformedQueryError{"credential id out of range"}
		}
		rec, err := s.verifyByID(ctx, id)
		if err != nil {
			return nil, err
		}
		s.m.Counter("verify_by_id").Inc()
		return &models.VerificationResult{
			Kind:    "credential",
			Records: []*models.VerificationRecord{rec},
		}, nil

	case s.holderAddressRegexp.MatchString(term):
		records, err := s.verifyByHolder(ctx, common.HexToAddress(term))
		if err != nil {
			return nil, err
		}
		s.m.Counter("verify_by_holder").Inc()
		return &models.VerificationResult{Kind: "holder", Records: records}, nil

	default:
		s.m.Counter("verify_malformed").Inc()
		return nil, &MalformedQueryError{"term is neither a credential id nor a holder address"}
	}
}

func (s *Service) verifyByID(ctx context.Context, id uint64) (*models.VerificationRecord, error) {
	total, err := s.ledger.TotalCount(ctx)
	if err != nil {
		return nil, err
	}
	if id == 0 || id > total {
		return nil, &NotFoundError{fmt.Sprintf("no credential with id %d", id)}
	}

	snap, err := s.ledger.Read(ctx, id)
	if err != nil {
		return nil, err
	}
	if util.IsZeroAddress(snap.Issuer) {
		// Zero issuer marks a never-issued slot.
		return nil, &NotFoundError{fmt.Sprintf("no credential with id %d", id)}
	}

	owner, err := s.ledger.OwnerOf(ctx, id)
	if err != nil {
		return nil, err
	}

	return s.enrich(ctx, snap, owner), nil
}

// verifyByHolder scans the full credential population calling OwnerOf per
// id. Linear in totalCount; fine at current volumes, but large deployments
// want an off-chain (holder -> ids) index maintained next to mirror writes.
func (s *Service) verifyByHolder(ctx context.Context, holder common.Address) ([]*models.VerificationRecord, error) {
	total, err := s.ledger.TotalCount(ctx)
	if err != nil {
		return nil, err
	}

	records := make([]*models.VerificationRecord, 0, 4)
	for id := uint64(1); id <= total; id++ {
		owner, err := s.ledger.OwnerOf(ctx, id)
		if err != nil {
			return nil, err
		}
		if owner != holder {
			continue
		}
		snap, err := s.ledger.Read(ctx, id)
		if err != nil {
			return nil, err
		}
		if util.IsZeroAddress(snap.Issuer) {
			continue
		}
		records = append(records, s.enrich(ctx, snap, owner))
	}
	return records, nil
}

// enrich joins ledger truth with best-effort mirror metadata.
func (s *Service) enrich(ctx context.Context, snap *ledger.Snapshot, owner common.Address) *models.VerificationRecord {
	rec := &models.VerificationRecord{
		ID:         snap.ID,
		Holder:     owner,
		Issuer:     snap.Issuer,
		Status:     snap.Status,
		ContentRef: snap.URI,
		IssuedAt:   snap.IssuedAt,
	}
	if mirror, err := s.GetCredential(ctx, snap.ID); err == nil {
		rec.Metadata = mirror
	} else if !errors.Is(err, &NotFoundError{}) {
		s.logger.Warn("Mirror lookup failed during verification",
			zap.Uint64("credentialID", snap.ID),
			zap.Error(err))
	}
	if iss, err := s.GetIssuer(ctx, snap.Issuer); err == nil {
		rec.IssuerInfo = iss
	} else if !errors.Is(err, &NotFoundError{}) {
		s.logger.Warn("Issuer lookup failed during verification",
			zap.String("issuer", snap.Issuer.Hex()),
			zap.Error(err))
	}
	return rec
}
