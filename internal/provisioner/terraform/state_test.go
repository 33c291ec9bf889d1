package terraform

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseOutputs(t *testing.T) {
	stdout := `{
  "db_password": {"sensitive": true, "type": "string", "value": "hunter2"},
  "vpc_id": {"sensitive": false, "type": "string", "value": "vpc-0abc"},
  "subnet_ids": {"sensitive": false, "type": ["list", "string"], "value": ["a", "b"]}
}`
	out, err := ParseOutputs(stdout)
	require.NoError(t, err)
	values := out.Values()
	assert.Equal(t, "vpc-0abc", values["vpc_id"])
	assert.Equal(t, []any{"a", "b"}, values["subnet_ids"])
	assert.Equal(t, []string{"db_password"}, out.Sensitive())

	empty, err := ParseOutputs("  \n")
	require.NoError(t, err)
	assert.Empty(t, empty)

	_, err = ParseOutputs("Warning: no outputs")
	assert.Error(t, err)
}

const showJSON = `{
  "format_version": "1.0",
  "terraform_version": "1.9.5",
  "values": {
    "root_module": {
      "resources": [
        {"address": "aws_vpc.main", "mode": "managed", "type": "aws_vpc", "name": "main", "values": {"id": "vpc-0abc", "cidr_block": "10.0.0.0/16"}},
        {"address": "data.aws_ami.ubuntu", "mode": "data", "type": "aws_ami", "name": "ubuntu", "values": {"id": "ami-123"}},
        {"address": "aws_instance.web[0]", "mode": "managed", "type": "aws_instance", "name": "web", "index": 0, "values": {"id": "i-0def"}}
      ],
      "child_modules": [
        {"address": "module.net", "resources": [
          {"address": "module.net.aws_subnet.a", "mode": "managed", "type": "aws_subnet", "name": "a", "values": {"id": "subnet-1"}},
          {"address": "module.net.data.aws_az.all", "mode": "data", "type": "aws_az", "name": "all", "values": {}}
        ]}
      ]
    }
  }
}`

func TestInventoryFromState(t *testing.T) {
	st, err := ParseState(showJSON)
	require.NoError(t, err)
	assert.Equal(t, []InventoryItem{
		{Address: "aws_vpc.main", ID: "vpc-0abc"},
		{Address: "aws_instance.web[0]", ID: "i-0def"},
		{Address: "module.net.aws_subnet.a", ID: "subnet-1"},
	}, InventoryFromState(st))

	empty, err := ParseState(`{"format_version": "1.0"}`)
	require.NoError(t, err)
	assert.Empty(t, InventoryFromState(empty))
	assert.Empty(t, InventoryFromState(nil))

	_, err = ParseState(`{"values": {}}`)
	assert.Error(t, err)
}

func TestBaseAddress(t *testing.T) {
	assert.Equal(t, "aws_instance.web", BaseAddress("aws_instance.web[0]"))
	assert.Equal(t, "aws_subnet.a", BaseAddress("module.net.aws_subnet.a"))
	assert.Equal(t, "aws_subnet.a", BaseAddress(`module.net["x"].aws_subnet.a["k"]`))
	assert.Equal(t, "aws_vpc.main", BaseAddress("aws_vpc.main"))
}
