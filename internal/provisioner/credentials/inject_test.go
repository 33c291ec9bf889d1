package credentials

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	appErr "github.com/iac-studio/deployengine/pkg/errors"
)

var testPair = KeyPair{AccessKey: "AKIAEXAMPLE01", SecretKey: "secretEXAMPLEvalue"}

func TestInject_VolcengineEmptyFields(t *testing.T) {
	config := `provider "volcengine" {
  access_key = ""
  secret_key = ""
  region = "cn-beijing"
}

resource "volcengine_vpc" "main" {
  vpc_name   = "demo"
  cidr_block = "172.16.0.0/16"
}
`
	out, err := NewInjector(nil).Inject(config, KeyPair{AccessKey: "AK1", SecretKey: "SK1"}, Target{})
	require.NoError(t, err)

	assert.Contains(t, out, `access_key = "AK1"`)
	assert.Contains(t, out, `secret_key = "SK1"`)
	assert.Contains(t, out, `  region = "cn-beijing"`)
	assert.Equal(t, 1, strings.Count(out, "region"))
	assert.NotContains(t, out, "required_providers")
}

func TestInject_AddsMissingFieldsBeforeClosingBrace(t *testing.T) {
	config := `provider "aws" {
  region = "us-west-2"
}
`
	out, err := NewInjector(nil).Inject(config, testPair, Target{})
	require.NoError(t, err)
	assert.Equal(t, `provider "aws" {
  region = "us-west-2"
  access_key = "AKIAEXAMPLE01"
  secret_key = "secretEXAMPLEvalue"
}
`, out)
}

func TestInject_LeavesLiteralCredentialsAlone(t *testing.T) {
	config := `provider "aws" {
  region     = "eu-west-1"
  access_key = "AKIAOTHER"
  secret_key = "othersecret"
}
`
	out, err := NewInjector(nil).Inject(config, testPair, Target{})
	require.NoError(t, err)
	assert.Equal(t, config, out)
}

func TestInject_ReplacesComputedValues(t *testing.T) {
	config := `provider "alicloud" {
  access_key = var.ak
  secret_key = "${var.sk}"
  region     = "cn-shanghai"
}
`
	out, err := NewInjector(nil).Inject(config, testPair, Target{})
	require.NoError(t, err)
	assert.Contains(t, out, `access_key = "AKIAEXAMPLE01"`)
	assert.Contains(t, out, `secret_key = "secretEXAMPLEvalue"`)
	assert.NotContains(t, out, "var.")
}

func TestInject_DefaultBlockFromResourcePrefix(t *testing.T) {
	config := `resource "aws_s3_bucket" "logs" {
  bucket = "my-logs"
}
`
	out, err := NewInjector(nil).Inject(config, testPair, Target{})
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(out, "terraform {\n  required_providers {\n    aws = {\n      source = \"hashicorp/aws\"\n"), out)
	assert.Contains(t, out, "provider \"aws\" {\n  region = \"us-east-1\"\n  access_key = \"AKIAEXAMPLE01\"\n  secret_key = \"secretEXAMPLEvalue\"\n}\n")
	assert.True(t, strings.HasSuffix(out, config))
}

func TestInject_DefaultBlockKeepsExistingRequiredProviders(t *testing.T) {
	config := `terraform {
  required_providers {
    volcengine = {
      source = "volcengine/volcengine"
    }
  }
}

resource "volcengine_vpc" "main" {}
`
	out, err := NewInjector(nil).Inject(config, testPair, Target{})
	require.NoError(t, err)
	assert.Equal(t, 1, strings.Count(out, "required_providers"))
	assert.Contains(t, out, "provider \"volcengine\" {\n  region = \"cn-beijing\"\n")
}

func TestInject_VolcengineDefaultBlockPinsVersion(t *testing.T) {
	out, err := NewInjector(nil).Inject("", testPair, Target{Cloud: "volcengine"})
	require.NoError(t, err)
	assert.Contains(t, out, `version = "0.0.167"`)
	assert.Contains(t, out, `source = "volcengine/volcengine"`)
}

func TestInject_AzureChinaDefaults(t *testing.T) {
	config := `resource "azurerm_resource_group" "rg" {
  name     = "demo"
  location = "chinaeast2"
}
`
	out, err := NewInjector(nil).Inject(config, KeyPair{AccessKey: "app-id-123", SecretKey: "app-secret"}, Target{Cloud: "Azure(China)"})
	require.NoError(t, err)
	assert.Contains(t, out, "  features {}\n")
	assert.Contains(t, out, `client_id = "app-id-123"`)
	assert.Contains(t, out, `client_secret = "app-secret"`)
	assert.Contains(t, out, `tenant_id = "common"`)
	assert.Contains(t, out, `subscription_id = "app-id-123"`)
	assert.Contains(t, out, `environment = "china"`)
	assert.NotContains(t, out, "region =")
}

func TestInject_AWSChinaRegionFromHint(t *testing.T) {
	out, err := NewInjector(nil).Inject(`resource "aws_vpc" "v" {}`, testPair, Target{Cloud: "aws(china)"})
	require.NoError(t, err)
	assert.Contains(t, out, `region = "cn-north-1"`)
}

func TestInject_TencentUsesSecretID(t *testing.T) {
	config := "provider \"tencentcloud\" {}\n"
	out, err := NewInjector(nil).Inject(config, testPair, Target{})
	require.NoError(t, err)
	assert.Equal(t, "provider \"tencentcloud\" {\n  secret_id = \"AKIAEXAMPLE01\"\n  secret_key = \"secretEXAMPLEvalue\"\n}\n", out)
}

func TestInject_IgnoresCommentsAndHeredocs(t *testing.T) {
	config := `# provider "volcengine" { access_key = "x" }
/* provider "alicloud" {
} */
provider "aws" {
  region = "us-west-2" // keep {
}

resource "aws_iam_policy" "p" {
  policy = <<POLICY
{
  "Version": "2012-10-17"
}
POLICY
}
`
	inj := NewInjector(nil)
	det, err := inj.Detect(config, "")
	require.NoError(t, err)
	assert.Equal(t, "aws", det.Provider.Name)
	assert.Equal(t, SourceProviderBlock, det.Source)

	out, err := inj.Inject(config, testPair, Target{})
	require.NoError(t, err)
	assert.Contains(t, out, "  region = \"us-west-2\" // keep {\n  access_key = \"AKIAEXAMPLE01\"\n  secret_key = \"secretEXAMPLEvalue\"\n}\n")
	assert.Contains(t, out, "<<POLICY\n{\n  \"Version\": \"2012-10-17\"\n}\nPOLICY\n}")
}

func TestInject_Idempotent(t *testing.T) {
	configs := map[string]string{
		"no block":       "resource \"huaweicloud_vpc\" \"v\" {\n  name = \"v\"\n}\n",
		"empty block":    "provider \"baiducloud\" {}\n",
		"inline block":   "provider \"aws\" { region = \"us-east-2\" }\n",
		"computed":       "provider \"alicloud\" {\n  access_key = var.ak\n}\n",
		"aliased blocks": "provider \"aws\" {\n  region = \"us-east-1\"\n}\n\nprovider \"aws\" {\n  alias  = \"west\"\n  region = \"us-west-2\"\n}\n",
		"empty value":    "provider \"aws\" {\n  access_key =\n  region = \"us-east-1\"\n}\n",
	}
	inj := NewInjector(nil)
	for name, config := range configs {
		t.Run(name, func(t *testing.T) {
			once, err := inj.Inject(config, testPair, Target{Region: "ap-east-1"})
			require.NoError(t, err)
			twice, err := inj.Inject(once, testPair, Target{Region: "ap-east-1"})
			require.NoError(t, err)
			assert.Equal(t, once, twice)
			assert.Contains(t, once, "secretEXAMPLEvalue")
		})
	}
}

func TestInject_AllAliasedBlocks(t *testing.T) {
	config := "provider \"aws\" {\n  region = \"us-east-1\"\n}\n\nprovider \"aws\" {\n  alias  = \"west\"\n  region = \"us-west-2\"\n}\n"
	out, err := NewInjector(nil).Inject(config, testPair, Target{})
	require.NoError(t, err)
	assert.Equal(t, 2, strings.Count(out, `access_key = "AKIAEXAMPLE01"`))
}

func TestDetect_Order(t *testing.T) {
	inj := NewInjector(nil)

	det, err := inj.Detect("provider \"alicloud\" {}\nresource \"aws_vpc\" \"v\" {}\n", "aws")
	require.NoError(t, err)
	assert.Equal(t, "alicloud", det.Provider.Name)

	det, err = inj.Detect("resource \"tencentcloud_vpc\" \"v\" {}\n", "aws")
	require.NoError(t, err)
	assert.Equal(t, "tencentcloud", det.Provider.Name)
	assert.Equal(t, SourceResourcePrefix, det.Source)

	det, err = inj.Detect("", "阿里云")
	require.NoError(t, err)
	assert.Equal(t, "alicloud", det.Provider.Name)
	assert.Equal(t, SourceCloudHint, det.Source)
}

func TestInject_Errors(t *testing.T) {
	inj := NewInjector(nil)

	_, err := inj.Inject("resource \"null_resource\" \"x\" {}\n", testPair, Target{Cloud: "mars"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNoProvider))
	assert.True(t, appErr.IsCode(err, appErr.CodeCredential))

	_, err = inj.Inject("provider \"aws\" {}\n", KeyPair{AccessKey: "only"}, Target{})
	assert.True(t, errors.Is(err, ErrMissingKeyPair))
}

func TestRestore_ReinsertsStrippedCredentialsAndRegion(t *testing.T) {
	inj := NewInjector(nil)
	original, err := inj.Inject("provider \"volcengine\" {\n  region = \"cn-shanghai\"\n}\n", testPair, Target{})
	require.NoError(t, err)

	fixed := "provider \"volcengine\" {\n  access_key = \"REDACTED\"\n}\n\nresource \"volcengine_vpc\" \"main\" {\n  vpc_name = \"fixed\"\n}\n"
	res, err := inj.Restore(original, fixed, KeyPair{}, "")
	require.NoError(t, err)
	assert.True(t, res.Restored)
	assert.Equal(t, "volcengine", res.Provider)
	assert.Contains(t, res.Config, `access_key = "AKIAEXAMPLE01"`)
	assert.Contains(t, res.Config, `secret_key = "secretEXAMPLEvalue"`)
	assert.Contains(t, res.Config, `region = "cn-shanghai"`)
	assert.NotContains(t, res.Config, "REDACTED")

	again, err := inj.Restore(original, res.Config, testPair, "")
	require.NoError(t, err)
	assert.False(t, again.Restored)
	assert.Equal(t, res.Config, again.Config)
}

func TestRestore_ProviderBlockDropped(t *testing.T) {
	inj := NewInjector(nil)
	original := "provider \"aws\" {\n  region = \"eu-central-1\"\n  access_key = \"AKIAEXAMPLE01\"\n  secret_key = \"secretEXAMPLEvalue\"\n}\n"
	res, err := inj.Restore(original, "resource \"aws_vpc\" \"v\" {}\n", KeyPair{}, "")
	require.NoError(t, err)
	assert.True(t, res.Restored)
	assert.Contains(t, res.Config, `region = "eu-central-1"`)
	assert.Contains(t, res.Config, `secret_key = "secretEXAMPLEvalue"`)
}

func TestExtract(t *testing.T) {
	config := "provider \"azurerm\" {\n  features {}\n  client_id = \"cid\"\n  client_secret = \"sec\"\n  tenant_id = \"tid\"\n  subscription_id = \"sub\"\n}\n"
	got, err := NewInjector(nil).Extract(config)
	require.NoError(t, err)
	assert.Equal(t, "azurerm", got.Provider)
	assert.Equal(t, KeyPair{AccessKey: "cid", SecretKey: "sec", ClientID: "cid", TenantID: "tid", SubscriptionID: "sub"}, got.KeyPair)
}

func TestMask(t *testing.T) {
	text := `access_key = "AKIAEXAMPLE01" secret_key = "secretEXAMPLEvalue"`
	masked := Mask(text, testPair)
	assert.NotContains(t, masked, "secretEXAMPLEvalue")
	assert.NotContains(t, masked, "AKIAEXAMPLE01")
	assert.Contains(t, masked, `"AKIA****"`)
	assert.Contains(t, masked, `secret_key = "****"`)

	assert.Equal(t, "abc", Mask("abc", KeyPair{AccessKey: "ab", SecretKey: "c"}))
}
