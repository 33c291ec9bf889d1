package utils

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Origin identifies the surface a deployment was submitted from.
type Origin string

const (
	OriginQuery     Origin = "query"
	OriginProvision Origin = "provision"
	OriginAI        Origin = "ai"
	OriginTemplate  Origin = "template"
)

const idAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

var deploymentIDPattern = regexp.MustCompile(`^[A-Z0-9]{18,23}$`)

// ValidOrigin reports whether o is a known origin.
func ValidOrigin(o Origin) bool {
	switch o {
	case OriginQuery, OriginProvision, OriginAI, OriginTemplate:
		return true
	}
	return false
}

// NewDeploymentID generates an identifier for the given origin:
//
//	query      QR + last 10 digits of unix time + 6 random  (18)
//	provision  DP + last 10 digits of unix time + 6 random  (18)
//	ai         AIDP + 19 upper hex chars of a uuid          (23)
//	template   TP + yyyymmddHHMMSS + 6 random              (22)
func NewDeploymentID(origin Origin) (string, error) {
	return newDeploymentIDAt(origin, time.Now())
}

func newDeploymentIDAt(origin Origin, now time.Time) (string, error) {
	switch origin {
	case OriginQuery, OriginProvision:
		prefix := "QR"
		if origin == OriginProvision {
			prefix = "DP"
		}
		ts := strconv.FormatInt(now.Unix(), 10)
		if len(ts) > 10 {
			ts = ts[len(ts)-10:]
		}
		if len(ts) < 10 {
			ts = strings.Repeat("0", 10-len(ts)) + ts
		}
		suffix, err := randomSuffix(6)
		if err != nil {
			return "", err
		}
		return prefix + ts + suffix, nil
	case OriginAI:
		hex := strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", ""))
		return "AIDP" + hex[:19], nil
	case OriginTemplate:
		suffix, err := randomSuffix(6)
		if err != nil {
			return "", err
		}
		return "TP" + now.UTC().Format("20060102150405") + suffix, nil
	default:
		return "", fmt.Errorf("unknown deployment origin %q", origin)
	}
}

// ValidDeploymentID reports whether id has the shape produced by NewDeploymentID.
func ValidDeploymentID(id string) bool {
	return deploymentIDPattern.MatchString(id)
}

func randomSuffix(n int) (string, error) {
	var b strings.Builder
	max := big.NewInt(int64(len(idAlphabet)))
	for i := 0; i < n; i++ {
		idx, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", fmt.Errorf("random id suffix: %w", err)
		}
		b.WriteByte(idAlphabet[idx.Int64()])
	}
	return b.String(), nil
}
