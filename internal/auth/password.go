package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/sha512"
	"crypto/subtle"
	"fmt"
	"hash"

	"github.com/hitoshi/portfolio/internal/model"
	"golang.org/x/crypto/pbkdf2"
)

// パスワード派生のパラメータ。
const (
	DefaultPasswordIterations = 100000
	PasswordSaltSize          = 16
	PasswordKeySize           = 32
	DigestSHA256              = "sha256"
	DigestSHA512              = "sha512"
)

// maxPasswordIterations は保存値の反復回数の上限。不正な値でCPUを浪費しないため。
const maxPasswordIterations = 10_000_000

// PasswordHasher はPBKDF2-HMACでパスワードを派生・検証する。
type PasswordHasher struct {
	iterations int
	// dummy は存在しないユーザーへのログイン時に応答時間を揃えるための資格情報。
	dummy *model.PasswordCredential
}

// NewPasswordHasher はPasswordHasherを生成する。iterationsが下限未満の場合は既定値を使う。
func NewPasswordHasher(iterations int) *PasswordHasher {
	if iterations < DefaultPasswordIterations {
		iterations = DefaultPasswordIterations
	}
	return &PasswordHasher{
		iterations: iterations,
		dummy: &model.PasswordCredential{
			Salt:       make([]byte, PasswordSaltSize),
			Iterations: iterations,
			Hash:       make([]byte, PasswordKeySize),
			Digest:     DigestSHA256,
		},
	}
}

// Hash はランダムなソルトでパスワードを派生し、資格情報を返す。
func (h *PasswordHasher) Hash(password string) (*model.PasswordCredential, error) {
	salt := make([]byte, PasswordSaltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}

	return &model.PasswordCredential{
		Salt:       salt,
		Iterations: h.iterations,
		Hash:       pbkdf2.Key([]byte(password), salt, h.iterations, PasswordKeySize, sha256.New),
		Digest:     DigestSHA256,
	}, nil
}

// Verify は保存済みの資格情報でパスワードを再派生し、定数時間で比較する。
// 資格情報の形式が不正な場合はエラーにせずfalseを返す。
func (h *PasswordHasher) Verify(password string, cred *model.PasswordCredential) bool {
	if cred == nil || len(cred.Salt) == 0 || len(cred.Hash) == 0 {
		return false
	}
	if cred.Iterations <= 0 || cred.Iterations > maxPasswordIterations {
		return false
	}
	digest := digestFunc(cred.Digest)
	if digest == nil {
		return false
	}

	derived := pbkdf2.Key([]byte(password), cred.Salt, cred.Iterations, len(cred.Hash), digest)
	return subtle.ConstantTimeCompare(derived, cred.Hash) == 1
}

// VerifyDummy は常にfalseを返すが、実際の検証と同等のCPUコストを消費する。
func (h *PasswordHasher) VerifyDummy(password string) {
	h.Verify(password, h.dummy)
}

func digestFunc(name string) func() hash.Hash {
	switch name {
	case DigestSHA256:
		return sha256.New
	case DigestSHA512:
		return sha512.New
	default:
		return nil
	}
}
