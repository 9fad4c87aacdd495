package ledger

// LedgerABI lists the events emitted by the ledger.
const LedgerABI = `[
	{"anonymous":false,"inputs":[
		{"indexed":true,"name":"reserve","type":"address"},
		{"indexed":true,"name":"onBehalfOf","type":"address"},
		{"indexed":false,"name":"user","type":"address"},
		{"indexed":false,"name":"amount","type":"uint256"}],
	 "name":"Supply","type":"event"},
	{"anonymous":false,"inputs":[
		{"indexed":true,"name":"reserve","type":"address"},
		{"indexed":true,"name":"onBehalfOf","type":"address"},
		{"indexed":false,"name":"receiver","type":"address"},
		{"indexed":false,"name":"amount","type":"uint256"}],
	 "name":"Borrow","type":"event"},
	{"anonymous":false,"inputs":[
		{"indexed":true,"name":"reserve","type":"address"},
		{"indexed":true,"name":"onBehalfOf","type":"address"},
		{"indexed":false,"name":"repayer","type":"address"},
		{"indexed":false,"name":"amount","type":"uint256"}],
	 "name":"Repay","type":"event"},
	{"anonymous":false,"inputs":[
		{"indexed":true,"name":"reserve","type":"address"},
		{"indexed":true,"name":"user","type":"address"},
		{"indexed":false,"name":"to","type":"address"},
		{"indexed":false,"name":"amount","type":"uint256"}],
	 "name":"Withdraw","type":"event"},
	{"anonymous":false,"inputs":[
		{"indexed":true,"name":"reserve","type":"address"},
		{"indexed":false,"name":"provider","type":"address"},
		{"indexed":false,"name":"amount","type":"uint256"}],
	 "name":"LiquiditySeeded","type":"event"}
]`
