package vault

// VaultABI describes the vault's entry points and events.
const VaultABI = `[
	{"inputs":[{"name":"amount","type":"uint256"}],"name":"deposit","outputs":[],"stateMutability":"nonpayable","type":"function"},
	{"inputs":[{"name":"sender","type":"address"}],"name":"executeLoop","outputs":[],"stateMutability":"nonpayable","type":"function"},
	{"inputs":[{"name":"sender","type":"address"}],"name":"unwind","outputs":[],"stateMutability":"nonpayable","type":"function"},
	{"inputs":[],"name":"pay","outputs":[],"stateMutability":"payable","type":"function"},
	{"inputs":[],"name":"getPosition","outputs":[
		{"name":"collateral","type":"uint256"},
		{"name":"debt","type":"uint256"},
		{"name":"loopCount","type":"uint256"},
		{"name":"healthFactor","type":"uint256"}],
	 "stateMutability":"view","type":"function"},
	{"anonymous":false,"inputs":[
		{"indexed":true,"name":"user","type":"address"},
		{"indexed":false,"name":"amount","type":"uint256"}],
	 "name":"Deposit","type":"event"},
	{"anonymous":false,"inputs":[
		{"indexed":false,"name":"iteration","type":"uint256"},
		{"indexed":false,"name":"borrowedAmount","type":"uint256"},
		{"indexed":false,"name":"newCollateral","type":"uint256"}],
	 "name":"LoopStep","type":"event"},
	{"anonymous":false,"inputs":[
		{"indexed":false,"name":"repaidDebt","type":"uint256"},
		{"indexed":false,"name":"withdrawnCollateral","type":"uint256"}],
	 "name":"Unwind","type":"event"}
]`
