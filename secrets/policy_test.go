package secrets

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCheckPassword(t *testing.T) {
	tests := map[string]struct {
		password string
		wantErr  bool
	}{
		"seven chars rejected":            {password: "aB3!xyz", wantErr: true},
		"eight chars three classes":       {password: "aB3!xyzw", wantErr: false},
		"eight chars one class":           {password: "abcdefgh", wantErr: true},
		"eight chars two classes":         {password: "abcd1234", wantErr: true},
		"upper digit symbol":              {password: "ABCD12!@", wantErr: false},
		"long single class still weak":    {password: "aaaaaaaaaaaaaaaaaaaa", wantErr: true},
		"all four classes":                {password: "aB3!aB3!", wantErr: false},
		"empty":                           {password: "", wantErr: true},
		"spaces count as symbols":         {password: "ab CD 12", wantErr: false},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			err := CheckPassword(tc.password)
			if tc.wantErr {
				assert.Error(t, err)
				assert.True(t, IsPolicyViolation(err))
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestCheckPassphrase(t *testing.T) {
	tests := map[string]struct {
		passphrase string
		wantErr    bool
	}{
		"eleven chars rejected": {passphrase: "elevenchars", wantErr: true},
		"twelve chars accepted": {passphrase: "twelve chars", wantErr: false},
		"no class requirement":  {passphrase: "aaaaaaaaaaaa", wantErr: false},
		"empty":                 {passphrase: "", wantErr: true},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			err := CheckPassphrase(tc.passphrase)
			if tc.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
